package models

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/eldorplus/pki/pkg/constants"
)

// ValueKind tags the variant held by an ExtValue.
// ValueKind 标记 ExtValue 持有的变体类型。
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindInt      ValueKind = "int"
	KindBytes    ValueKind = "bytes"
	KindCert     ValueKind = "cert"
	KindCertList ValueKind = "certs"
)

// ExtValue is a tagged union over the value types a request may carry.
// Certificates are held DER-encoded.
// ExtValue 是请求可携带值类型的标记联合。证书以 DER 编码保存。
type ExtValue struct {
	kind  ValueKind
	str   string
	num   int64
	bytes []byte
	certs [][]byte
}

func StringValue(s string) ExtValue   { return ExtValue{kind: KindString, str: s} }
func IntValue(n int64) ExtValue       { return ExtValue{kind: KindInt, num: n} }
func BytesValue(b []byte) ExtValue    { return ExtValue{kind: KindBytes, bytes: cloneBytes(b)} }
func CertValue(der []byte) ExtValue   { return ExtValue{kind: KindCert, certs: [][]byte{cloneBytes(der)}} }
func CertListValue(ders [][]byte) ExtValue {
	out := make([][]byte, len(ders))
	for i, d := range ders {
		out[i] = cloneBytes(d)
	}
	return ExtValue{kind: KindCertList, certs: out}
}

// Kind returns the variant tag.
func (v ExtValue) Kind() ValueKind { return v.kind }

// ExtData maps the closed set of extension keys to typed values.
// ExtData 将封闭的扩展键集合映射到类型化的值。
type ExtData map[constants.ExtKey]ExtValue

// Has reports whether key is present.
func (e ExtData) Has(key constants.ExtKey) bool {
	_, ok := e[key]
	return ok
}

func (e ExtData) Delete(key constants.ExtKey) { delete(e, key) }

func (e ExtData) SetString(key constants.ExtKey, s string) { e[key] = StringValue(s) }
func (e ExtData) SetInt(key constants.ExtKey, n int64)     { e[key] = IntValue(n) }
func (e ExtData) SetBytes(key constants.ExtKey, b []byte)  { e[key] = BytesValue(b) }
func (e ExtData) SetCert(key constants.ExtKey, der []byte) { e[key] = CertValue(der) }
func (e ExtData) SetCerts(key constants.ExtKey, ders [][]byte) {
	e[key] = CertListValue(ders)
}

// SetBool stores a boolean as the strings "true"/"false".
func (e ExtData) SetBool(key constants.ExtKey, b bool) {
	e[key] = StringValue(strconv.FormatBool(b))
}

// GetString returns the string form of a string or int value.
func (e ExtData) GetString(key constants.ExtKey) (string, bool) {
	v, ok := e[key]
	if !ok {
		return "", false
	}
	switch v.kind {
	case KindString:
		return v.str, true
	case KindInt:
		return strconv.FormatInt(v.num, 10), true
	}
	return "", false
}

// GetInt returns an int value, parsing string values.
func (e ExtData) GetInt(key constants.ExtKey) (int64, bool) {
	v, ok := e[key]
	if !ok {
		return 0, false
	}
	switch v.kind {
	case KindInt:
		return v.num, true
	case KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// GetBool parses a boolean string value; absent or malformed is false.
func (e ExtData) GetBool(key constants.ExtKey) bool {
	s, ok := e.GetString(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func (e ExtData) GetBytes(key constants.ExtKey) ([]byte, bool) {
	v, ok := e[key]
	if !ok || v.kind != KindBytes {
		return nil, false
	}
	return cloneBytes(v.bytes), true
}

// GetCertDERs returns the DER blobs of a cert or cert list value.
// Nil entries of a list are preserved.
func (e ExtData) GetCertDERs(key constants.ExtKey) ([][]byte, bool) {
	v, ok := e[key]
	if !ok || (v.kind != KindCert && v.kind != KindCertList) {
		return nil, false
	}
	out := make([][]byte, len(v.certs))
	for i, c := range v.certs {
		out[i] = cloneBytes(c)
	}
	return out, true
}

// GetCerts parses a cert or cert list value. Nil entries map to nil certificates.
func (e ExtData) GetCerts(key constants.ExtKey) ([]*x509.Certificate, error) {
	ders, ok := e.GetCertDERs(key)
	if !ok {
		return nil, nil
	}
	certs := make([]*x509.Certificate, len(ders))
	for i, der := range ders {
		if len(der) == 0 {
			continue
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse %s[%d]: %w", key, i, err)
		}
		certs[i] = c
	}
	return certs, nil
}

// GetList splits a separator-joined string value.
func (e ExtData) GetList(key constants.ExtKey, sep string) []string {
	s, ok := e.GetString(key)
	if !ok || s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SetList joins values with sep and stores them as a string.
func (e ExtData) SetList(key constants.ExtKey, sep string, values []string) {
	e.SetString(key, strings.Join(values, sep))
}

// Clone returns a deep copy.
func (e ExtData) Clone() ExtData {
	out := make(ExtData, len(e))
	for k, v := range e {
		nv := v
		nv.bytes = cloneBytes(v.bytes)
		if v.certs != nil {
			nv.certs = make([][]byte, len(v.certs))
			for i, c := range v.certs {
				nv.certs[i] = cloneBytes(c)
			}
		}
		out[k] = nv
	}
	return out
}

// Merge copies every entry of other into e.
func (e ExtData) Merge(other ExtData) {
	for k, v := range other.Clone() {
		e[k] = v
	}
}

// Keys returns the present keys in sorted order.
func (e ExtData) Keys() []constants.ExtKey {
	keys := make([]constants.ExtKey, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

type extValueJSON struct {
	Kind  ValueKind `json:"k"`
	Str   *string   `json:"s,omitempty"`
	Int   *int64    `json:"i,omitempty"`
	Bytes []byte    `json:"b,omitempty"`
	Certs [][]byte  `json:"c,omitempty"`
}

// MarshalJSON rejects keys outside the closed set.
func (e ExtData) MarshalJSON() ([]byte, error) {
	out := make(map[string]extValueJSON, len(e))
	for k, v := range e {
		if !k.Known() {
			return nil, fmt.Errorf("unknown extension key %q", k)
		}
		j := extValueJSON{Kind: v.kind}
		switch v.kind {
		case KindString:
			s := v.str
			j.Str = &s
		case KindInt:
			n := v.num
			j.Int = &n
		case KindBytes:
			j.Bytes = v.bytes
		case KindCert, KindCertList:
			j.Certs = v.certs
		default:
			return nil, fmt.Errorf("extension key %q has no value", k)
		}
		out[string(k)] = j
	}
	return json.Marshal(out)
}

// UnmarshalJSON rejects keys outside the closed set and unknown kinds.
func (e *ExtData) UnmarshalJSON(data []byte) error {
	var raw map[string]extValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ExtData, len(raw))
	for k, j := range raw {
		key := constants.ExtKey(k)
		if !key.Known() {
			return fmt.Errorf("unknown extension key %q", k)
		}
		switch j.Kind {
		case KindString:
			if j.Str == nil {
				return fmt.Errorf("extension key %q: missing string", k)
			}
			out[key] = StringValue(*j.Str)
		case KindInt:
			if j.Int == nil {
				return fmt.Errorf("extension key %q: missing int", k)
			}
			out[key] = IntValue(*j.Int)
		case KindBytes:
			out[key] = ExtValue{kind: KindBytes, bytes: j.Bytes}
		case KindCert:
			if len(j.Certs) != 1 {
				return fmt.Errorf("extension key %q: cert value needs exactly one entry", k)
			}
			out[key] = ExtValue{kind: KindCert, certs: j.Certs}
		case KindCertList:
			out[key] = ExtValue{kind: KindCertList, certs: j.Certs}
		default:
			return fmt.Errorf("extension key %q: unknown kind %q", k, j.Kind)
		}
	}
	*e = out
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
