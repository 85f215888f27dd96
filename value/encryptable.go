package value

import "strings"

// Encryptable markers wrap a property value that the replicator encrypts
// before pushing:
//
//	{"@type": "encryptable", "value": <v>}
//
// On the wire the property is replaced with a dictionary stored under the
// key EncryptedKeyPrefix+name.
const (
	TypeKey            = "@type"
	EncryptableType    = "encryptable"
	EncryptableValue   = "value"
	EncryptedKeyPrefix = "encrypted$"
)

func NewEncryptable(v any) Dict {
	return Dict{TypeKey: EncryptableType, EncryptableValue: v}
}

func IsEncryptable(v any) bool {
	d, ok := v.(Dict)
	if !ok {
		return false
	}
	t, _ := d[TypeKey].(string)
	return t == EncryptableType
}

// EncryptableContent returns the wrapped value of an encryptable marker.
func EncryptableContent(d Dict) (any, bool) {
	if !IsEncryptable(d) {
		return nil, false
	}
	v, ok := d[EncryptableValue]
	return v, ok
}

// IsEncryptedKey reports whether key holds an encrypted property and
// returns the original property name.
func IsEncryptedKey(key string) (string, bool) {
	if name, ok := strings.CutPrefix(key, EncryptedKeyPrefix); ok && name != "" {
		return name, true
	}
	return "", false
}

// WalkEncryptables calls f for each encryptable marker in the tree rooted at
// d, passing the path to it. Markers nested inside markers are not visited.
func WalkEncryptables(d Dict, f func(path Path, marker Dict) error) error {
	return walkEncryptables(nil, d, f)
}

func walkEncryptables(prefix Path, v any, f func(Path, Dict) error) error {
	switch v := v.(type) {
	case Dict:
		if IsEncryptable(v) {
			return f(prefix, v)
		}
		for _, k := range sortedKeys(v) {
			p := append(prefix[:len(prefix):len(prefix)], PathComponent{Key: k})
			if err := walkEncryptables(p, v[k], f); err != nil {
				return err
			}
		}
	case Array:
		for i, el := range v {
			p := append(prefix[:len(prefix):len(prefix)], PathComponent{Index: i, IsIndex: true})
			if err := walkEncryptables(p, el, f); err != nil {
				return err
			}
		}
	}
	return nil
}
