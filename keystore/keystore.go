// Package keystore indexes key material by owner, usage and key type.
//
// The owner "." holds the party's own keys. Other owners are usually the
// issuer URL of a counterparty, which lets MatchOwner and CollectKeys pick
// the right key set for an outgoing request by URL prefix.
//
// A KeyStore is not safe for concurrent use.
package keystore

import (
	"crypto"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DefaultOwner is the owner key for the local party's own keys.
const DefaultOwner = "."

// Usage is the purpose a key is stored under.
type Usage string

const (
	Sign    Usage = "sign"
	Verify  Usage = "verify"
	Encrypt Usage = "enc"
	Decrypt Usage = "dec"
)

// Usages lists every usage bucket in a fixed order.
var Usages = []Usage{Sign, Verify, Encrypt, Decrypt}

var (
	ErrNotFound      = errors.New("no matching owner")
	ErrOwnerNotFound = errors.New("unknown key owner")
	ErrUnknownUsage  = errors.New("unknown key usage")
)

// TypedKeys maps a key type ("hmac", "rsa", "ec") to its keys.
type TypedKeys map[string][]any

// clone returns a deep copy of the slice headers so callers can append
// without touching the store.
func (tk TypedKeys) clone() TypedKeys {
	out := make(TypedKeys, len(tk))
	for typ, keys := range tk {
		out[typ] = append([]any(nil), keys...)
	}

	return out
}

// merge appends other's keys to tk per type.
func (tk TypedKeys) merge(other TypedKeys) {
	for typ, keys := range other {
		tk[typ] = append(tk[typ], keys...)
	}
}

// Types returns the key types present, sorted.
func (tk TypedKeys) Types() []string {
	types := make([]string, 0, len(tk))
	for typ := range tk {
		types = append(types, typ)
	}

	sort.Strings(types)

	return types
}

// All flattens the keys of every type, in sorted type order.
func (tk TypedKeys) All() []any {
	var out []any
	for _, typ := range tk.Types() {
		out = append(out, tk[typ]...)
	}

	return out
}

// KeyStore is an owner -> usage -> type -> keys index.
type KeyStore struct {
	store  map[string]map[Usage]TypedKeys
	owners []string
}

// New returns an empty KeyStore.
func New() *KeyStore {
	return &KeyStore{store: make(map[string]map[Usage]TypedKeys)}
}

func normalizeOwner(owner string) string {
	if owner == "" {
		return DefaultOwner
	}

	return owner
}

func validUsage(usage Usage) bool {
	for _, u := range Usages {
		if u == usage {
			return true
		}
	}

	return false
}

// AddKey appends key under (owner, usage, typ). The owner's usage buckets
// are created on first use; an empty owner means DefaultOwner.
func (ks *KeyStore) AddKey(key any, typ string, usage Usage, owner string) error {
	if !validUsage(usage) {
		return fmt.Errorf("%w: %q", ErrUnknownUsage, usage)
	}

	owner = normalizeOwner(owner)

	buckets, ok := ks.store[owner]
	if !ok {
		buckets = make(map[Usage]TypedKeys, len(Usages))
		for _, u := range Usages {
			buckets[u] = make(TypedKeys)
		}

		ks.store[owner] = buckets
		ks.owners = append(ks.owners, owner)
	}

	buckets[usage][typ] = append(buckets[usage][typ], key)

	return nil
}

func aggregateOwner(owner string) bool {
	return owner == "" || strings.EqualFold(owner, "none")
}

// KeysByType returns the keys stored for usage, keyed by type. An owner of
// "" or "none" aggregates across every owner. The result is a copy.
func (ks *KeyStore) KeysByType(usage Usage, owner string) (TypedKeys, error) {
	if !validUsage(usage) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUsage, usage)
	}

	if aggregateOwner(owner) {
		out := make(TypedKeys)
		for _, o := range ks.owners {
			out.merge(ks.store[o][usage])
		}

		return out, nil
	}

	buckets, ok := ks.store[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, owner)
	}

	return buckets[usage].clone(), nil
}

// Keys returns the keys for usage narrowed to typ. An empty typ returns
// keys of every type. An owner of "" or "none" aggregates across owners.
func (ks *KeyStore) Keys(usage Usage, typ, owner string) ([]any, error) {
	byType, err := ks.KeysByType(usage, owner)
	if err != nil {
		return nil, err
	}

	if typ == "" {
		return byType.All(), nil
	}

	return byType[typ], nil
}

// SignKeys returns the signing keys of typ for owner ("" means DefaultOwner).
func (ks *KeyStore) SignKeys(typ, owner string) ([]any, error) {
	return ks.Keys(Sign, typ, normalizeOwner(owner))
}

// VerifyKeys returns the verification keys of typ for owner.
func (ks *KeyStore) VerifyKeys(typ, owner string) ([]any, error) {
	return ks.Keys(Verify, typ, normalizeOwner(owner))
}

// EncryptKeys returns the encryption keys of typ for owner.
func (ks *KeyStore) EncryptKeys(typ, owner string) ([]any, error) {
	return ks.Keys(Encrypt, typ, normalizeOwner(owner))
}

// DecryptKeys returns the decryption keys of typ for owner.
func (ks *KeyStore) DecryptKeys(typ, owner string) ([]any, error) {
	return ks.Keys(Decrypt, typ, normalizeOwner(owner))
}

func (ks *KeyStore) SetSignKey(key any, typ, owner string) error {
	return ks.AddKey(key, typ, Sign, owner)
}

func (ks *KeyStore) SetVerifyKey(key any, typ, owner string) error {
	return ks.AddKey(key, typ, Verify, owner)
}

func (ks *KeyStore) SetEncryptKey(key any, typ, owner string) error {
	return ks.AddKey(key, typ, Encrypt, owner)
}

func (ks *KeyStore) SetDecryptKey(key any, typ, owner string) error {
	return ks.AddKey(key, typ, Decrypt, owner)
}

// RemoveKey deletes key from owner. An empty typ or usage widens the
// removal to every type or usage. Buckets without the key are skipped.
func (ks *KeyStore) RemoveKey(key any, owner, typ string, usage Usage) {
	buckets, ok := ks.store[normalizeOwner(owner)]
	if !ok {
		return
	}

	usages := Usages
	if usage != "" {
		usages = []Usage{usage}
	}

	for _, u := range usages {
		byType, ok := buckets[u]
		if !ok {
			continue
		}

		types := byType.Types()
		if typ != "" {
			types = []string{typ}
		}

		for _, t := range types {
			keys, ok := byType[t]
			if !ok {
				continue
			}

			byType[t] = removeKey(keys, key)
		}
	}
}

func removeKey(keys []any, key any) []any {
	out := keys[:0]
	for _, k := range keys {
		if !keysEqual(k, key) {
			out = append(out, k)
		}
	}

	return out
}

// keysEqual compares crypto keys with their Equal method and everything
// else structurally. Byte-slice keys are not comparable with ==.
func keysEqual(a, b any) bool {
	if eq, ok := a.(interface{ Equal(crypto.PublicKey) bool }); ok {
		return eq.Equal(b)
	}

	return reflect.DeepEqual(a, b)
}

// Has reports whether owner has any buckets.
func (ks *KeyStore) Has(owner string) bool {
	_, ok := ks.store[normalizeOwner(owner)]
	return ok
}

// Owners returns the owners in insertion order.
func (ks *KeyStore) Owners() []string {
	return append([]string(nil), ks.owners...)
}

// MatchOwner returns the first stored owner that is a string prefix of url.
func (ks *KeyStore) MatchOwner(url string) (string, error) {
	for _, owner := range ks.owners {
		if owner == DefaultOwner {
			continue
		}

		if strings.HasPrefix(url, owner) {
			return owner, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, url)
}

// CollectKeys returns the keys for usage of the owner matching url merged
// with the default owner's keys. Either side may be missing.
func (ks *KeyStore) CollectKeys(url string, usage Usage) TypedKeys {
	out := make(TypedKeys)

	if owner, err := ks.MatchOwner(url); err == nil {
		out.merge(ks.store[owner][usage])
	}

	if buckets, ok := ks.store[DefaultOwner]; ok {
		out.merge(buckets[usage])
	}

	return out
}

// PairKeys returns owner's keys merged with the default owner's keys for
// every usage.
func (ks *KeyStore) PairKeys(owner string) (map[Usage]TypedKeys, error) {
	buckets, ok := ks.store[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, owner)
	}

	out := make(map[Usage]TypedKeys, len(Usages))
	for _, u := range Usages {
		out[u] = buckets[u].clone()
	}

	if owner == DefaultOwner {
		return out, nil
	}

	if own, ok := ks.store[DefaultOwner]; ok {
		for _, u := range Usages {
			out[u].merge(own[u])
		}
	}

	return out, nil
}
