package httpapi

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

// maxRequestBody caps webhook bodies. A Hikvision event with a picture URL
// is well under 4 KiB; batches are not accepted here.
const maxRequestBody = 64 << 10

const contentTypeProtobuf = "application/x-protobuf"

// isProtobuf reports whether v names a protobuf media type.
func isProtobuf(v string) bool {
	switch mediaType(v) {
	case contentTypeProtobuf, "application/protobuf":
		return true
	}
	return false
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
}

// decodeEvent decodes a JSON body, or a protobuf google.protobuf.Struct
// with the same keys. raw is the JSON form of the event in both cases.
func decodeEvent(r *http.Request, body []byte) (types.EventPayload, []byte, error) {
	raw := body
	if isProtobuf(r.Header.Get("Content-Type")) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return types.EventPayload{}, nil, err
		}
		b, err := protojson.Marshal(&st)
		if err != nil {
			return types.EventPayload{}, nil, err
		}
		raw = b
	}

	var p types.EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.EventPayload{}, nil, err
	}
	return p, raw, nil
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
