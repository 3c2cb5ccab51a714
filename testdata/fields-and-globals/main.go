package main

type Codec interface{ Encode(v int) string }

type jsonCodec struct{}

func (*jsonCodec) Encode(v int) string { return "json" }

type textCodec struct{}

func (*textCodec) Encode(v int) string { return "text" }

type Server struct {
	codec Codec
}

func (s *Server) Reply(v int) string {
	return s.codec.Encode(v)
}

var fallback Codec = &textCodec{}

func encodeDefault(v int) string {
	return fallback.Encode(v)
}

func main() {
	s := &Server{codec: &jsonCodec{}}
	println(s.Reply(1))
	println(encodeDefault(2))
}
