package ir

import "fmt"

// Wire keys. All are mandatory on decode.
const (
	wireID        = "entryID"
	wireType      = "entryType"
	wireTimestamp = "timestamp"
	wirePayload   = "payload"
	wireHash      = "entryHash"
	wireScope     = "scope"
	wireParents   = "parents"
	wireSignature = "signature"
	wireSigner    = "signer"
)

// MarshalEntry encodes e in its wire projection. The output is canonical
// JSON, so equal entries always produce equal bytes.
func MarshalEntry(e LogEntry) ([]byte, error) {
	parents := make(IRArray, 0, len(e.Parents))
	for _, p := range e.Parents {
		parents = append(parents, IRObject{"scope": IRString(p.Scope), "id": IRString(p.ID)})
	}
	obj := IRObject{
		wireID:        IRString(e.ID),
		wireType:      IRString(e.Type),
		wireTimestamp: IRInt(int64(e.Timestamp)),
		wirePayload:   PayloadObject(e.Payload),
		wireHash:      IRString(e.Hash),
		wireScope:     IRString(e.Scope),
		wireParents:   parents,
		wireSignature: IRString(e.Signature),
		wireSigner:    IRString(e.Signer),
	}
	return MarshalCanonical(obj)
}

// UnmarshalEntry decodes the wire projection. Missing keys, unknown keys and
// unknown payload variants are PayloadErrors. Integrity is not checked here;
// call Verify.
func UnmarshalEntry(data []byte) (LogEntry, error) {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return LogEntry{}, &Error{Kind: KindPayload, Message: "malformed entry JSON", Err: err}
	}
	obj, ok := v.(IRObject)
	if !ok {
		return LogEntry{}, Errorf(KindPayload, "entry must be a JSON object")
	}

	r := fieldReader{src: obj}
	e := LogEntry{
		ID:        r.str(wireID),
		Type:      EntryType(r.str(wireType)),
		Hash:      r.str(wireHash),
		Scope:     Scope(r.str(wireScope)),
		Signature: r.str(wireSignature),
		Signer:    r.str(wireSigner),
	}
	ts := r.int(wireTimestamp)
	payload := r.obj(wirePayload)
	rawParents, _ := r.get(wireParents)
	if r.err != nil {
		return LogEntry{}, r.err
	}
	if extra := r.unknownKeys(); extra != "" {
		return LogEntry{}, Errorf(KindPayload, "unknown entry field %q", extra)
	}
	if ts <= 0 {
		return LogEntry{}, Errorf(KindPayload, "timestamp %d out of range", ts)
	}
	e.Timestamp = uint64(ts)

	arr, ok := rawParents.(IRArray)
	if !ok {
		return LogEntry{}, Errorf(KindPayload, "parents: want array, got %T", rawParents)
	}
	for i, pv := range arr {
		po, ok := pv.(IRObject)
		if !ok {
			return LogEntry{}, Errorf(KindPayload, "parents[%d]: want object", i)
		}
		pr := fieldReader{src: po}
		ref := EntryRef{Scope: Scope(pr.str("scope")), ID: pr.str("id")}
		if pr.err != nil {
			return LogEntry{}, fmt.Errorf("parents[%d]: %w", i, pr.err)
		}
		e.Parents = append(e.Parents, ref)
	}

	p, err := DecodePayload(e.Type, payload)
	if err != nil {
		return LogEntry{}, err
	}
	e.Payload = p
	return e, nil
}
