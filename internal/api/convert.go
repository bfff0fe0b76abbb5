package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// scopeRequest is the body of scope-addressed RPCs.
type scopeRequest struct {
	Kind  string `json:"kind"`
	Scope string `json:"scope"`
}

func fromStructScope(in *structpb.Struct) (scopeRequest, error) {
	if in == nil {
		return scopeRequest{}, fmt.Errorf("request is nil")
	}
	fields := in.GetFields()
	return scopeRequest{
		Kind:  fields["kind"].GetStringValue(),
		Scope: fields["scope"].GetStringValue(),
	}, nil
}

// toStruct converts any JSON-encodable value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

// DecodeStruct decodes a Struct into v via its JSON form.
func DecodeStruct(in *structpb.Struct, v any) error {
	body, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	return json.Unmarshal(body, v)
}
