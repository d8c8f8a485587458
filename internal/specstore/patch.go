package specstore

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// applyOp applies one patch op to doc and returns the new document.
// Paths are dot-separated gjson paths. All failures are ValidationErrors
// naming the op and path so the caller can correct and retry.
func applyOp(doc json.RawMessage, op v1.PatchOp) (json.RawMessage, error) {
	if op.Path == "" {
		return nil, opError(op, "path is required")
	}

	switch op.Op {
	case v1.OpAdd:
		if err := requireValue(op); err != nil {
			return nil, err
		}
		if gjson.GetBytes(doc, op.Path).Exists() {
			return nil, opError(op, "path already exists; use replace")
		}
		return setRaw(doc, op.Path, op.Value, op)

	case v1.OpReplace:
		if err := requireValue(op); err != nil {
			return nil, err
		}
		if !gjson.GetBytes(doc, op.Path).Exists() {
			return nil, opError(op, "path does not exist; use add")
		}
		return setRaw(doc, op.Path, op.Value, op)

	case v1.OpRemove:
		if !gjson.GetBytes(doc, op.Path).Exists() {
			return nil, opError(op, "path does not exist")
		}
		out, err := sjson.DeleteBytes(doc, op.Path)
		if err != nil {
			return nil, opError(op, err.Error())
		}
		return out, nil

	case v1.OpAppend:
		if err := requireValue(op); err != nil {
			return nil, err
		}
		existing := gjson.GetBytes(doc, op.Path)
		if existing.Exists() && !existing.IsArray() {
			return nil, opError(op, "path exists but is not an array")
		}
		// "-1" appends past the end; a missing path becomes a one-element array.
		return setRaw(doc, op.Path+".-1", op.Value, op)

	default:
		return nil, opError(op, "unknown op")
	}
}

func requireValue(op v1.PatchOp) error {
	if len(op.Value) == 0 {
		return opError(op, "value is required")
	}
	if !json.Valid(op.Value) {
		return opError(op, "value is not valid JSON")
	}
	return nil
}

func setRaw(doc json.RawMessage, path string, value json.RawMessage, op v1.PatchOp) (json.RawMessage, error) {
	out, err := sjson.SetRawBytes(doc, path, value)
	if err != nil {
		return nil, opError(op, err.Error())
	}
	return out, nil
}

func opError(op v1.PatchOp, reason string) error {
	return &v1.ValidationError{Op: string(op.Op), Path: op.Path, Reason: reason}
}
