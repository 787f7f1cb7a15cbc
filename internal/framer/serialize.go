package framer

import "strconv"

// SerializeRequest renders req as wire bytes.
func SerializeRequest(req Request) []byte {
	return AppendRequest(make([]byte, 0, headSizeHint(req.Headers)+len(req.Method)+len(req.Path)+16), req)
}

// SerializeResponse renders resp as wire bytes.
func SerializeResponse(resp Response) []byte {
	return AppendResponse(make([]byte, 0, headSizeHint(resp.Headers)+len(resp.Reason)+20), resp)
}

// AppendRequest appends "<method> <path> HTTP/<version>\r\n", the headers
// and the blank line to dst. Fields are written as given; a message that
// breaks the grammar serializes to bytes that do not parse.
func AppendRequest(dst []byte, req Request) []byte {
	dst = append(dst, req.Method...)
	dst = append(dst, ' ')
	dst = append(dst, req.Path...)
	dst = append(dst, ' ')
	dst = appendVersion(dst, req.Version, req.Minor, req.HasMinor)
	dst = append(dst, "\r\n"...)
	return appendHeaders(dst, req.Headers)
}

// AppendResponse appends "HTTP/<version> <code> <reason>\r\n", the headers
// and the blank line to dst. The code is zero-padded to three digits.
func AppendResponse(dst []byte, resp Response) []byte {
	dst = appendVersion(dst, resp.Version, resp.Minor, resp.HasMinor)
	dst = append(dst, ' ')
	if resp.Code < 100 {
		dst = append(dst, '0')
		if resp.Code < 10 {
			dst = append(dst, '0')
		}
	}
	dst = strconv.AppendUint(dst, uint64(resp.Code), 10)
	dst = append(dst, ' ')
	dst = append(dst, resp.Reason...)
	dst = append(dst, "\r\n"...)
	return appendHeaders(dst, resp.Headers)
}

func appendVersion(dst []byte, major, minor uint8, hasMinor bool) []byte {
	dst = append(dst, "HTTP/"...)
	dst = strconv.AppendUint(dst, uint64(major), 10)
	if hasMinor {
		dst = append(dst, '.')
		dst = strconv.AppendUint(dst, uint64(minor), 10)
	}
	return dst
}

func appendHeaders(dst []byte, headers Headers) []byte {
	for _, h := range headers {
		dst = append(dst, h.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, h.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

func headSizeHint(headers Headers) int {
	n := 2
	for _, h := range headers {
		n += len(h.Name) + len(h.Value) + 4
	}
	return n
}
