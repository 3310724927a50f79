package connector

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(AttachmentFetch{})
	gob.Register(MessageMove{})
	gob.Register(MeetingResponse{})
}

func (d *Dummy) EncodeFolderSync(syncKey string) ([]byte, error) {
	return gobEncode(syncKey)
}

func (d *Dummy) ParseFolderSync(body []byte) (FolderSyncResult, error) {
	return DecodeBody[FolderSyncResult](body)
}

func (d *Dummy) EncodeSync(req SyncRequest) ([]byte, error) {
	return gobEncode(req)
}

func (d *Dummy) EncodePing(req PingRequest) ([]byte, error) {
	return gobEncode(req)
}

func (d *Dummy) ParsePing(body []byte) (PingResult, error) {
	return DecodeBody[PingResult](body)
}

func (d *Dummy) EncodeProvision(req ProvisionRequest) ([]byte, error) {
	return gobEncode(req)
}

func (d *Dummy) ParseProvision(body []byte) (ProvisionResult, error) {
	return DecodeBody[ProvisionResult](body)
}

type requestEnvelope struct {
	Request Request
}

func (d *Dummy) EncodeRequest(req Request) ([]byte, error) {
	return gobEncode(requestEnvelope{Request: req})
}

// DecodeRequest decodes a body produced by EncodeRequest.
func DecodeRequest(body []byte) (Request, error) {
	env, err := DecodeBody[requestEnvelope](body)
	if err != nil {
		return nil, err
	}

	return env.Request, nil
}

// DecodeBody decodes a body produced by the dummy codec.
func DecodeBody[T any](body []byte) (T, error) {
	var v T

	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&v); err != nil {
		return v, err
	}

	return v, nil
}

func gobEncode(v any) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
