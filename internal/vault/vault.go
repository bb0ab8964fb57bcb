// Package vault implements the secure input vault: sensitive-key
// detection, encrypted per-pipeline persistence, masking on egress, and
// merging for runtime use. It follows the authenticated-encryption,
// argon2id-derived-key, atomic-write recipe used elsewhere in this
// lineage's secret storage, adapted so each entry carries its own nonce
// instead of one nonce per file.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32
	gcmNonceSize      = 12

	// MaskSentinel replaces a sensitive value on every masked read path.
	MaskSentinel = "***"
)

// ErrMasterKeyUnavailable is returned when no master key can be resolved.
var ErrMasterKeyUnavailable = errors.New("vault: master key not available")

var sensitivePattern = regexp.MustCompile(`(?i)password|secret|token|apikey|api_key|auth|bearer|credential|privatekey|private_key`)

var alnumOnly = regexp.MustCompile(`[^a-zA-Z0-9]`)

// IsSensitiveKey reports whether key's normalized (alphanumeric-only,
// lowercased) projection matches one of the sensitivity substrings.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(alnumOnly.ReplaceAllString(key, ""))
	return sensitivePattern.MatchString(normalized)
}

// entry is one encrypted key/value pair within a pipeline's record. Each
// entry carries its own salt and nonce so that re-encrypting one key never
// requires touching, or risks nonce-reuse with, any other key in the file.
type entry struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// record is the on-disk shape of secure-inputs/<pipelineId>.enc.
type record struct {
	Entries map[string]entry `json:"entries"`
}

// Vault stores per-pipeline secure inputs under dir/secure-inputs/<id>.enc.
type Vault struct {
	dir       string
	masterKey []byte
	mu        sync.Mutex
}

// New creates a Vault rooted at dir (the persisted state layout's root
// directory; entries live under dir/secure-inputs/). masterKey resolution
// takes a non-empty provided literal first, then PIPELINER_MASTER_KEY, matching the
// precedence used for the encrypted secrets file elsewhere in this
// lineage.
func New(dir string, masterKey string) (*Vault, error) {
	key, err := resolveMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "secure-inputs")
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("vault: create secure-inputs dir: %w", err)
	}
	return &Vault{dir: dir, masterKey: key}, nil
}

func resolveMasterKey(provided string) ([]byte, error) {
	if provided != "" {
		return []byte(provided), nil
	}
	if envKey := os.Getenv("PIPELINER_MASTER_KEY"); envKey != "" {
		return []byte(envKey), nil
	}
	return nil, ErrMasterKeyUnavailable
}

func (v *Vault) pathFor(pipelineID string) string {
	return filepath.Join(v.dir, "secure-inputs", pipelineID+".enc")
}

// Get returns the decrypted secure inputs for a pipeline.
func (v *Vault) Get(pipelineID string) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load(pipelineID)
}

// Upsert merges partial into the pipeline's stored entries and returns the
// sorted unique union of keys now present, per the contract's "returned
// keys list on upsert is the sorted unique union of provided keys."
func (v *Vault) Upsert(pipelineID string, partial map[string]string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, err := v.load(pipelineID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = make(map[string]string)
	}
	for k, val := range partial {
		existing[k] = val
	}

	if err := v.save(pipelineID, existing); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the named keys, or the whole record when keys is empty.
func (v *Vault) Delete(pipelineID string, keys []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(keys) == 0 {
		path := v.pathFor(pipelineID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("vault: delete record: %w", err)
		}
		return nil
	}

	existing, err := v.load(pipelineID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(existing, k)
	}
	return v.save(pipelineID, existing)
}

// PickSensitive filters inputs down to the keys classified sensitive.
func PickSensitive(inputs map[string]string) map[string]string {
	sensitive := make(map[string]string)
	for k, v := range inputs {
		if IsSensitiveKey(k) {
			sensitive[k] = v
		}
	}
	return sensitive
}

// Mask replaces the value of every key in keys with MaskSentinel.
func Mask(inputs map[string]string, keys map[string]string) map[string]string {
	masked := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if _, sensitive := keys[k]; sensitive {
			masked[k] = MaskSentinel
		} else {
			masked[k] = v
		}
	}
	return masked
}

// Merge overlays secureInputs onto runtimeInputs, secure values winning on
// key collision (secure inputs supplement, never get shadowed by a plain
// input of the same name).
func Merge(runtimeInputs, secureInputs map[string]string) map[string]string {
	merged := make(map[string]string, len(runtimeInputs)+len(secureInputs))
	for k, v := range runtimeInputs {
		merged[k] = v
	}
	for k, v := range secureInputs {
		merged[k] = v
	}
	return merged
}

func (v *Vault) load(pipelineID string) (map[string]string, error) {
	raw, err := os.ReadFile(v.pathFor(pipelineID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("vault: read record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("vault: corrupt record: %w", err)
	}

	out := make(map[string]string, len(rec.Entries))
	for key, e := range rec.Entries {
		plaintext, err := v.decryptEntry(e)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt %q: %w", key, err)
		}
		out[key] = string(plaintext)
	}
	return out, nil
}

func (v *Vault) save(pipelineID string, secrets map[string]string) error {
	rec := record{Entries: make(map[string]entry, len(secrets))}
	for key, value := range secrets {
		e, err := v.encryptEntry([]byte(value))
		if err != nil {
			return fmt.Errorf("vault: encrypt %q: %w", key, err)
		}
		rec.Entries[key] = e
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshal record: %w", err)
	}

	path := v.pathFor(pipelineID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0600); err != nil {
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vault: rename temp file: %w", err)
	}
	return nil
}

func (v *Vault) encryptEntry(plaintext []byte) (entry, error) {
	defer zeroBytes(plaintext)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return entry{}, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(v.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return entry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return entry{}, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return entry{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return entry{Salt: salt, Nonce: nonce, Data: ciphertext}, nil
}

func (v *Vault) decryptEntry(e entry) ([]byte, error) {
	key := argon2.IDKey(v.masterKey, e.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, e.Nonce, e.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong master key or corrupted data): %w", err)
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
