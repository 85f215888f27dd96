package replicator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"

	"github.com/andreyvit/syncdb/dberr"
	"github.com/andreyvit/syncdb/value"
)

var (
	// ErrEncryptionTemporary, returned (or wrapped) by an encryptor or
	// decryptor, stops the session; it is retried after a backoff.
	ErrEncryptionTemporary = errors.New("temporary encryption failure")
	// ErrEncryptionPermanent skips the document until it gets a new local
	// revision. Any other error is treated the same way.
	ErrEncryptionPermanent = errors.New("permanent encryption failure")
)

// DefaultAlgorithm labels ciphertext produced by an encryptor that does not
// set EncryptionContext.Algorithm.
const DefaultAlgorithm = "CB_MOBILE_CUSTOM"

// EncryptionContext identifies the property being encrypted or decrypted.
// An encryptor may set Algorithm and KeyID; they are stored next to the
// ciphertext and given back to the decryptor.
type EncryptionContext struct {
	Scope      string
	Collection string
	DocumentID string
	Properties value.Dict
	KeyPath    string
	Algorithm  string
	KeyID      string
}

// PropertyEncryptor encrypts the JSON form of an encryptable property
// before it is pushed.
type PropertyEncryptor func(ec *EncryptionContext, cleartext []byte) ([]byte, error)

// PropertyDecryptor decrypts a pulled property. Returning nil without an
// error keeps the property encrypted.
type PropertyDecryptor func(ec *EncryptionContext, ciphertext []byte) ([]byte, error)

const (
	encAlgorithm  = "alg"
	encKeyID      = "kid"
	encCiphertext = "ciphertext"
)

func cryptoErr(err error, format string, args ...any) error {
	return dberr.Wrap(dberr.DomainEngine, dberr.CryptoCode, err, format, args...)
}

func isTemporaryCrypto(err error) bool {
	return errors.Is(err, ErrEncryptionTemporary)
}

// encryptProperties replaces every encryptable marker in body with its
// encrypted form. body is not modified.
func encryptProperties(enc PropertyEncryptor, scope, coll, docID string, body value.Dict) (value.Dict, error) {
	var paths []value.Path
	err := value.WalkEncryptables(body, func(p value.Path, _ value.Dict) error {
		paths = append(paths, p)
		return nil
	})
	if err != nil || len(paths) == 0 {
		return body, err
	}
	if enc == nil {
		return nil, cryptoErr(ErrEncryptionPermanent, "%s: document has encryptable properties but no encryptor is configured", docID)
	}

	out, _ := value.DeepCopy(body).(value.Dict)
	for _, p := range paths {
		last := p[len(p)-1]
		if last.IsIndex {
			return nil, cryptoErr(ErrEncryptionPermanent, "%s: encryptable %s is inside an array", docID, p)
		}
		parent, ok := dictAt(out, p[:len(p)-1])
		if !ok {
			return nil, cryptoErr(ErrEncryptionPermanent, "%s: cannot locate %s", docID, p)
		}
		marker := parent[last.Key].(value.Dict)
		content, _ := value.EncryptableContent(marker)
		cleartext, err := value.ToJSON(content)
		if err != nil {
			return nil, cryptoErr(ErrEncryptionPermanent, "%s: %s: %v", docID, p, err)
		}
		ec := &EncryptionContext{
			Scope:      scope,
			Collection: coll,
			DocumentID: docID,
			Properties: body,
			KeyPath:    p.String(),
		}
		ciphertext, err := safelyCrypt(enc, ec, cleartext)
		if err != nil {
			return nil, cryptoErr(err, "%s: encrypting %s", docID, p)
		}
		if ciphertext == nil {
			return nil, cryptoErr(ErrEncryptionPermanent, "%s: encryptor returned no data for %s", docID, p)
		}
		if ec.Algorithm == "" {
			ec.Algorithm = DefaultAlgorithm
		}
		encrypted := value.Dict{
			encAlgorithm:  ec.Algorithm,
			encCiphertext: base64.StdEncoding.EncodeToString(ciphertext),
		}
		if ec.KeyID != "" {
			encrypted[encKeyID] = ec.KeyID
		}
		delete(parent, last.Key)
		parent[value.EncryptedKeyPrefix+last.Key] = encrypted
	}
	return out, nil
}

// decryptProperties turns encrypted properties back into encryptable
// markers. body is not modified.
func decryptProperties(dec PropertyDecryptor, scope, coll, docID string, body value.Dict) (value.Dict, error) {
	if dec == nil || !hasEncrypted(body) {
		return body, nil
	}
	out, _ := value.DeepCopy(body).(value.Dict)
	err := decryptDict(dec, &EncryptionContext{Scope: scope, Collection: coll, DocumentID: docID, Properties: body}, nil, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decryptDict(dec PropertyDecryptor, base *EncryptionContext, prefix value.Path, d value.Dict) error {
	for _, k := range slices.Sorted(maps.Keys(d)) {
		v := d[k]
		name, isEnc := value.IsEncryptedKey(k)
		enc, isDict := v.(value.Dict)
		if !isEnc || !isDict || enc[encCiphertext] == nil {
			if isDict {
				p := append(prefix[:len(prefix):len(prefix)], value.PathComponent{Key: k})
				if err := decryptDict(dec, base, p, enc); err != nil {
					return err
				}
			}
			continue
		}

		p := append(prefix[:len(prefix):len(prefix)], value.PathComponent{Key: name})
		s, _ := enc[encCiphertext].(string)
		ciphertext, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return cryptoErr(ErrEncryptionPermanent, "%s: malformed ciphertext of %s", base.DocumentID, p)
		}
		ec := *base
		ec.KeyPath = p.String()
		ec.Algorithm, _ = enc[encAlgorithm].(string)
		ec.KeyID, _ = enc[encKeyID].(string)
		cleartext, err := safelyCrypt(dec, &ec, ciphertext)
		if err != nil {
			return cryptoErr(err, "%s: decrypting %s", base.DocumentID, p)
		}
		if cleartext == nil {
			continue
		}
		content, err := value.FromJSON(cleartext)
		if err != nil {
			return cryptoErr(ErrEncryptionPermanent, "%s: decrypted %s is not JSON", base.DocumentID, p)
		}
		delete(d, k)
		d[name] = value.NewEncryptable(content)
	}
	return nil
}

func hasEncrypted(d value.Dict) bool {
	for k, v := range d {
		if _, ok := value.IsEncryptedKey(k); ok {
			return true
		}
		if sub, ok := v.(value.Dict); ok && hasEncrypted(sub) {
			return true
		}
	}
	return false
}

func dictAt(root value.Dict, p value.Path) (value.Dict, bool) {
	if len(p) == 0 {
		return root, true
	}
	v, ok := p.Eval(root)
	if !ok {
		return nil, false
	}
	d, ok := v.(value.Dict)
	return d, ok
}

func safelyCrypt(f func(*EncryptionContext, []byte) ([]byte, error), ec *EncryptionContext, input []byte) (output []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", ErrEncryptionPermanent, p, debug.Stack())
		}
	}()
	return f(ec, input)
}
