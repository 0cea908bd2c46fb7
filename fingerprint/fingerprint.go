// Package fingerprint derives content hashes for tasks and caches task
// outputs by fingerprint so re-executed work is skipped.
//
// A fingerprint is the blake3 digest of a task's kind and the canonical JSON
// form of its inputs. Two tasks with equal kind and semantically equal inputs
// always share a fingerprint regardless of map ordering, Unicode composition
// or number spelling.
package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"

	"github.com/GoCodeAlone/planwright/task"
)

// DefaultTTL is how long a cached output stays valid.
const DefaultTTL = time.Hour

const domain = "planwright/fingerprint/v1"

// Compute returns the hex fingerprint of kind + inputs.
func Compute(kind task.Kind, inputs map[string]any) (string, error) {
	canonical, err := Canonicalize(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}

	hasher := blake3.New()
	for _, part := range [][]byte{[]byte(domain), []byte(kind), canonical} {
		if _, err := hasher.Write(part); err != nil {
			return "", fmt.Errorf("hash inputs: %w", err)
		}
		_, _ = hasher.Write([]byte{0})
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Canonicalize renders v as JSON with sorted object keys, NFC-normalized
// strings and integral numbers written without fraction or exponent.
func Canonicalize(v any) ([]byte, error) {
	// Round-trip through encoding/json so structs, typed maps and numeric
	// types all reduce to the generic JSON model.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(normalizeNumber(val))
	case string:
		writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		normalized := make(map[string]any, len(val))
		for k, item := range val {
			nk := norm.NFC.String(k)
			keys = append(keys, nk)
			normalized[nk] = item
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(norm.NFC.String(s))
	buf.Write(b)
}

// normalizeNumber writes integral values as exact decimal digits, whatever
// their magnitude, and everything else in shortest float64 form.
func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if r, ok := new(big.Rat).SetString(n.String()); ok && r.IsInt() {
		return r.Num().String()
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Entry is a cached task output.
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Kind        task.Kind      `json:"kind"`
	Output      map[string]any `json:"output"`
	StoredAt    time.Time      `json:"stored_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether e is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Cache maps fingerprints to outputs. Implementations are safe for
// concurrent use; concurrent Puts of the same fingerprint are idempotent.
type Cache interface {
	Get(ctx context.Context, fp string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}
