// Package uri implements the strict-grammar, allocation-light URI parser
// and builder from spec §4.1-§4.3: `[scheme "://"] authority [path]
// ["?" query]`, with no normalization, percent-decoding, IDN handling, or
// IPv6-literal bracket support — the grammar is deliberately narrower than
// RFC 3986.
//
// A Record owns exactly one contiguous byte buffer holding the full URI
// text; every other field is a non-owning Cursor (offset + length) into
// that buffer. There is no manual free: Go's garbage collector reclaims
// the buffer once the last Record or Cursor referencing it is dropped, in
// place of the owning-buffer's explicit cleanup in the source this was
// distilled from.
package uri

import (
	"bytes"
	"strconv"

	"github.com/sammck-go/iocore/errs"
)

// Cursor is a non-owning view into a Record's buffer: a byte offset and a
// length. The zero Cursor is always empty and safe to read.
type Cursor struct {
	buf []byte
	off int
	len int
}

// Bytes returns the bytes this cursor covers. The returned slice aliases
// the owning Record's buffer and must not be modified.
func (c Cursor) Bytes() []byte {
	if c.buf == nil {
		return nil
	}
	return c.buf[c.off : c.off+c.len]
}

// String copies this cursor's bytes into a new string.
func (c Cursor) String() string { return string(c.Bytes()) }

// Empty reports whether this cursor covers zero bytes.
func (c Cursor) Empty() bool { return c.len == 0 }

var staticSlash = []byte("/")

func staticSlashCursor() Cursor { return Cursor{buf: staticSlash, off: 0, len: 1} }

// Param is one key/value pair from a query string (spec §4.3).
type Param struct {
	Key   Cursor
	Value Cursor
}

// Record is a parsed URI: one owned buffer plus cursors into it. The zero
// value is not valid; obtain a Record from Parse or Build.
type Record struct {
	buf []byte

	scheme       Cursor
	authority    Cursor
	hostName     Cursor
	port         uint16
	path         Cursor
	pathAndQuery Cursor
	queryString  Cursor
}

func (r *Record) cursor(off, n int) Cursor {
	return Cursor{buf: r.buf, off: off, len: n}
}

// Scheme returns the URI's scheme, empty if none was present.
func (r *Record) Scheme() Cursor { return r.scheme }

// Authority returns host[:port] as it appeared in the input.
func (r *Record) Authority() Cursor { return r.authority }

// HostName returns Authority with any ":port" suffix stripped.
func (r *Record) HostName() Cursor { return r.hostName }

// Port returns the parsed port, or 0 if the authority carried none.
func (r *Record) Port() uint16 { return r.port }

// Path returns the URI's path, defaulting to "/" when the input had an
// authority but no explicit path.
func (r *Record) Path() Cursor { return r.path }

// PathAndQuery returns the path and query together, exactly as they
// appeared (or "/" if neither was present).
func (r *Record) PathAndQuery() Cursor { return r.pathAndQuery }

// QueryString returns everything after "?", excluding the "?" itself.
func (r *Record) QueryString() Cursor { return r.queryString }

func indexByteFrom(buf []byte, from int, b byte) int {
	idx := bytes.IndexByte(buf[from:], b)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// Parse runs the four-state grammar (SCHEME -> AUTHORITY -> PATH ->
// QUERY_STRING -> FINISHED, absorbing ERROR) over input, copying it into a
// new owned buffer. Empty input is always errs.MalformedInput.
func Parse(input []byte) (*Record, error) {
	if len(input) == 0 {
		return nil, errs.New(errs.MalformedInput, "uri: empty input")
	}
	r := &Record{buf: append([]byte(nil), input...)}
	if err := r.parseScheme(); err != nil {
		return nil, err
	}
	return r, nil
}

// parseScheme implements the SCHEME state. A missing ':', or a ':' not
// immediately followed by '/', means there is no scheme at all — the
// cursor does not advance, matching spec §4.1's "transition to AUTHORITY
// without advancing". A ":/" not followed by a second '/' is malformed.
func (r *Record) parseScheme() error {
	n := len(r.buf)
	colon := bytes.IndexByte(r.buf, ':')
	pos := 0
	if colon >= 0 && colon+1 < n && r.buf[colon+1] == '/' {
		if colon+3 > n || r.buf[colon+2] != '/' {
			return errs.New(errs.MalformedInput, "uri: scheme not followed by \"://\"")
		}
		r.scheme = r.cursor(0, colon)
		pos = colon + 3
	}
	return r.parseAuthority(pos)
}

// parseAuthority implements the AUTHORITY state.
func (r *Record) parseAuthority(pos int) error {
	n := len(r.buf)
	if pos >= n {
		return errs.New(errs.MalformedInput, "uri: missing authority")
	}

	slash := indexByteFrom(r.buf, pos, '/')
	qmark := indexByteFrom(r.buf, pos, '?')

	var authEnd int
	var next byte
	switch {
	case slash < 0 && qmark < 0:
		authEnd, next = n, 0
	case slash >= 0 && (qmark < 0 || slash < qmark):
		authEnd, next = slash, '/'
	default:
		authEnd, next = qmark, '?'
	}

	r.authority = r.cursor(pos, authEnd-pos)
	if err := r.parseHostPort(); err != nil {
		return err
	}

	switch next {
	case 0:
		r.path = staticSlashCursor()
		r.pathAndQuery = r.path
		return nil
	case '/':
		return r.parsePath(authEnd)
	default: // '?'
		return r.parseQueryFromAuthority(authEnd)
	}
}

// parseHostPort sub-parses r.authority into hostName and port.
func (r *Record) parseHostPort() error {
	a := r.authority.Bytes()
	idx := bytes.IndexByte(a, ':')
	if idx < 0 {
		r.hostName = r.authority
		r.port = 0
		return nil
	}
	digits := a[idx+1:]
	if len(digits) == 0 || len(digits) > 5 {
		return errs.New(errs.MalformedInput, "uri: port must be 1-5 digits")
	}
	var val int
	for _, b := range digits {
		if b < '0' || b > '9' {
			return errs.New(errs.MalformedInput, "uri: port must be all digits")
		}
		val = val*10 + int(b-'0')
	}
	if val > 65535 {
		return errs.New(errs.MalformedInput, "uri: port %d exceeds 65535", val)
	}
	r.hostName = r.cursor(r.authority.off, idx)
	r.port = uint16(val)
	return nil
}

// parsePath implements the PATH state; pos is the offset of the leading
// '/'.
func (r *Record) parsePath(pos int) error {
	n := len(r.buf)
	if pos >= n {
		return errs.New(errs.MalformedInput, "uri: empty path")
	}
	r.pathAndQuery = r.cursor(pos, n-pos)
	qmark := indexByteFrom(r.buf, pos, '?')
	if qmark < 0 {
		r.path = r.pathAndQuery
		return nil
	}
	r.path = r.cursor(pos, qmark-pos)
	return r.parseQuery(qmark)
}

// parseQueryFromAuthority implements QUERY_STRING entered directly from
// AUTHORITY (no path component present): path defaults to "/" and
// path_and_query covers the query string plus its leading "?".
func (r *Record) parseQueryFromAuthority(qmarkPos int) error {
	n := len(r.buf)
	r.path = staticSlashCursor()
	r.pathAndQuery = r.cursor(qmarkPos, n-qmarkPos)
	r.queryString = r.cursor(qmarkPos+1, n-qmarkPos-1)
	return nil
}

// parseQuery implements QUERY_STRING entered from PATH; path_and_query was
// already set there.
func (r *Record) parseQuery(qmarkPos int) error {
	n := len(r.buf)
	r.queryString = r.cursor(qmarkPos+1, n-qmarkPos-1)
	return nil
}

// QueryStringParams splits this Record's query string on "&", then on the
// first "=" within each segment (spec §4.3).
func (r *Record) QueryStringParams() ([]Param, error) {
	var out []Param
	if err := r.QueryStringParamsAppend(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryStringParamsAppend is the append-to-caller's-slice variant of
// QueryStringParams, letting a caller accumulate params from several URIs
// into one list without intermediate allocation.
func (r *Record) QueryStringParamsAppend(out *[]Param) error {
	if r.queryString.Empty() {
		return nil
	}
	base := r.queryString.off
	buf := r.queryString.Bytes()
	start := 0
	for i := 0; i <= len(buf); i++ {
		if i != len(buf) && buf[i] != '&' {
			continue
		}
		seg := buf[start:i]
		eq := bytes.IndexByte(seg, '=')
		var key, value Cursor
		if eq >= 0 {
			key = r.cursor(base+start, eq)
			value = r.cursor(base+start+eq+1, len(seg)-eq-1)
		} else {
			key = r.cursor(base+start, len(seg))
			value = r.cursor(base+start+len(seg), 0)
		}
		*out = append(*out, Param{Key: key, Value: value})
		start = i + 1
	}
	return nil
}

// BuildOptions configures Build. At most one of QueryString and
// QueryParams may be non-empty.
type BuildOptions struct {
	Scheme string
	Host   string
	Port   uint16
	Path   string

	QueryString string
	QueryParams []Param
}

// Build synthesizes a URI from opts, then parses the result so the
// returned Record's accessors always reflect a round-tripped parse (spec
// §4.2's closing requirement).
func Build(opts BuildOptions) (*Record, error) {
	if opts.QueryString != "" && len(opts.QueryParams) > 0 {
		return nil, errs.New(errs.InvalidArgument, "uri: build given both QueryString and QueryParams")
	}

	path := opts.Path
	if path == "" {
		path = "/"
	}

	size := 0
	if opts.Scheme != "" {
		size += len(opts.Scheme) + 3 // "://"
	}
	size += len(opts.Host)
	if opts.Port != 0 {
		size += 6 // ":" + up to 5 digits
	}
	size += len(path)
	if opts.QueryString != "" {
		size += 1 + len(opts.QueryString)
	} else if len(opts.QueryParams) > 0 {
		size++ // "?"
		for _, p := range opts.QueryParams {
			size += p.Key.len + p.Value.len + 2 // "=" and "&"
		}
	}

	buf := make([]byte, 0, size)
	if opts.Scheme != "" {
		buf = append(buf, opts.Scheme...)
		buf = append(buf, "://"...)
	}
	buf = append(buf, opts.Host...)
	if opts.Port != 0 {
		buf = append(buf, ':')
		buf = strconv.AppendUint(buf, uint64(opts.Port), 10)
	}
	buf = append(buf, path...)
	if opts.QueryString != "" {
		buf = append(buf, '?')
		buf = append(buf, opts.QueryString...)
	} else if len(opts.QueryParams) > 0 {
		buf = append(buf, '?')
		for i, p := range opts.QueryParams {
			if i > 0 {
				buf = append(buf, '&')
			}
			buf = append(buf, p.Key.Bytes()...)
			buf = append(buf, '=')
			buf = append(buf, p.Value.Bytes()...)
		}
	}

	return Parse(buf)
}

// NewParam builds a Param from plain strings, for callers constructing
// BuildOptions.QueryParams without an existing Record to take cursors
// from.
func NewParam(key, value string) Param {
	kb := []byte(key)
	vb := []byte(value)
	return Param{
		Key:   Cursor{buf: kb, off: 0, len: len(kb)},
		Value: Cursor{buf: vb, off: 0, len: len(vb)},
	}
}
