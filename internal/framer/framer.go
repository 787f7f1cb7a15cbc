package framer

// Framer pairs a parser and a serializer for one message type.
type Framer[M any] interface {
	Parse(buf []byte) Outcome[M]
	Serialize(m M) []byte
}

// RequestFramer frames request heads. The zero value uses DefaultParser.
type RequestFramer struct {
	Parser *Parser
}

func (f RequestFramer) Parse(buf []byte) Outcome[Request] {
	return parserOrDefault(f.Parser).ParseRequest(buf)
}

func (f RequestFramer) Serialize(req Request) []byte { return SerializeRequest(req) }

// ResponseFramer frames response heads. The zero value uses DefaultParser.
type ResponseFramer struct {
	Parser *Parser
}

func (f ResponseFramer) Parse(buf []byte) Outcome[Response] {
	return parserOrDefault(f.Parser).ParseResponse(buf)
}

func (f ResponseFramer) Serialize(resp Response) []byte { return SerializeResponse(resp) }

func parserOrDefault(p *Parser) Parser {
	if p == nil {
		return DefaultParser
	}
	return *p
}

var (
	_ Framer[Request]  = RequestFramer{}
	_ Framer[Response] = ResponseFramer{}
)
