package keg

import "encoding/json"

// Wire shapes exchanged with the server. Payload travels as raw bytes
// (base64 inside JSON); props are small string pairs stored next to the
// payload, unencrypted.

// WireKeg is the server's record of one keg.
type WireKeg struct {
	KegID             string            `json:"kegId"`
	Type              string            `json:"type"`
	Version           int64             `json:"version"`
	Format            int               `json:"format"`
	Owner             string            `json:"owner"`
	Deleted           bool              `json:"deleted"`
	CollectionVersion string            `json:"collectionVersion"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	KeyID             string            `json:"keyId,omitempty"`
	Payload           []byte            `json:"payload,omitempty"`
	Props             map[string]string `json:"props,omitempty"`
}

// Well-known props keys.
const (
	propSignature      = "signature"
	propSignedBy       = "signedBy"
	propPropsSignature = "propsSignature"
	propDescriptor     = "descriptor"
	propSharedBy       = "sharedBy"
	propSharedSenderPK = "sharedKegSenderPK"
	propSharedKegKey   = "sharedKegKey"
)

type createRequest struct {
	KegDBID string `json:"kegDbId"`
	Type    string `json:"type"`
}

type createResponse struct {
	KegID             string `json:"kegId"`
	CollectionVersion string `json:"collectionVersion"`
}

type getRequest struct {
	KegDBID string `json:"kegDbId"`
	KegID   string `json:"kegId"`
}

type updateRequest struct {
	KegDBID string            `json:"kegDbId"`
	KegID   string            `json:"kegId"`
	KeyID   string            `json:"keyId,omitempty"`
	Type    string            `json:"type"`
	Payload []byte            `json:"payload"`
	Props   map[string]string `json:"props,omitempty"`
	Version int64             `json:"version"`
	Format  int               `json:"format"`
}

type updateResponse struct {
	CollectionVersion string `json:"collectionVersion"`
}

type deleteRequest struct {
	KegDBID string `json:"kegDbId"`
	KegID   string `json:"kegId"`
}

// sysEnvelope binds an encrypted or signed payload to its own identity so
// the server cannot relocate it between kegs undetected.
type sysEnvelope struct {
	KegID string `json:"kegId"`
	Type  string `json:"type"`
}

// payloadEnvelope is the typed anti-tamper wrapper around the payload body.
type payloadEnvelope struct {
	Sys  sysEnvelope     `json:"sys"`
	Body json.RawMessage `json:"body"`
}
