package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/identity"
)

// compatibleVersions is the range of record versions this build can read.
const compatibleVersions = "^1"

const fileSchemaURL = "https://accord.schemas.local/contract/contracts.schema.json"

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["schema_version", "id", "parties", "capabilities", "prohibitions", "obligations", "status", "created_at", "content_hash", "record_hash"],
    "properties": {
      "schema_version": {"type": "string", "minLength": 1},
      "id": {"type": "string", "minLength": 1},
      "parties": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["agent", "role", "signed"],
          "properties": {
            "agent": {"type": "string", "minLength": 1},
            "role": {"type": "string"},
            "signed": {"type": "boolean"},
            "signature": {"type": "string", "pattern": "^[0-9a-f]*$"}
          }
        }
      },
      "capabilities": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
      "prohibitions": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
      "obligations": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["id", "agent", "action"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "agent": {"type": "string", "minLength": 1},
            "action": {"type": "string", "minLength": 1}
          }
        }
      },
      "status": {"enum": ["draft", "signed-partial", "active", "expired", "terminated"]},
      "created_at": {"type": "string", "format": "date-time"},
      "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
      "record_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
    }
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "agent": {"type": "string"},
        "action": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledFileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(fileSchemaURL, strings.NewReader(fileSchema)); err != nil {
		return nil, fmt.Errorf("contract schema load failed: %w", err)
	}
	return c.Compile(fileSchemaURL)
})

// storedRecord is the on-disk form of a contract. ContentHash covers the
// terms the parties sign; RecordHash covers everything else as well, so a
// status or signature edit is caught on load.
type storedRecord struct {
	Contract
	RecordHash string `json:"record_hash"`
}

func recordHash(c Contract) (string, error) {
	return canonicalize.CanonicalHash(c)
}

// loadFile reads and verifies a storage file. A missing file is not an error.
// With ids set, party signatures by known agents are checked as well.
func loadFile(path string, ids *identity.Registry) ([]Contract, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contract: read %s: %w", path, err)
	}
	return decodeRecords(raw, ids)
}

func decodeRecords(raw []byte, ids *identity.Registry) ([]Contract, error) {
	schema, err := compiledFileSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: storage file is not JSON: %v", ErrInvalidContract, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: storage file failed schema validation: %v", ErrInvalidContract, err)
	}

	var records []storedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}

	constraint, err := semver.NewConstraint(compatibleVersions)
	if err != nil {
		return nil, err
	}
	out := make([]Contract, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		c := rec.Contract
		v, err := semver.NewVersion(c.SchemaVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: contract %s: bad schema version %q", ErrInvalidContract, c.ID, c.SchemaVersion)
		}
		if !constraint.Check(v) {
			return nil, fmt.Errorf("%w: contract %s: schema version %s not in %s", ErrInvalidContract, c.ID, v, compatibleVersions)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate contract id %s", ErrInvalidContract, c.ID)
		}
		seen[c.ID] = true

		want, err := c.ComputeHash()
		if err != nil {
			return nil, err
		}
		if want != c.ContentHash {
			return nil, fmt.Errorf("%w: contract %s: content hash mismatch", ErrTampered, c.ID)
		}
		if want, err = recordHash(c); err != nil {
			return nil, err
		}
		if want != rec.RecordHash {
			return nil, fmt.Errorf("%w: contract %s: record hash mismatch", ErrTampered, c.ID)
		}
		if err := c.checkState(); err != nil {
			return nil, fmt.Errorf("%w: contract %s: %v", ErrTampered, c.ID, err)
		}
		if ids != nil {
			if err := verifyKnownSignatures(c, ids); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTampered, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// verifyKnownSignatures checks the signatures of parties registered in ids.
// Parties not (yet) registered are left to Verifier.VerifySignatures.
func verifyKnownSignatures(c Contract, ids *identity.Registry) error {
	for _, p := range c.Parties {
		if p.Signature == "" {
			continue
		}
		id, ok := ids.Get(p.Agent)
		if !ok {
			continue
		}
		valid, err := identity.VerifyHex(id.PublicKeyHex(), p.Signature, []byte(c.ContentHash))
		if err != nil || !valid {
			return fmt.Errorf("%w: party %s on %s", identity.ErrInvalidSignature, p.Agent, c.ID)
		}
	}
	return nil
}

// saveFile writes contracts atomically through a temp file in the same directory.
func saveFile(path string, contracts []Contract) error {
	records := make([]storedRecord, len(contracts))
	for i, c := range contracts {
		h, err := recordHash(c)
		if err != nil {
			return err
		}
		records[i] = storedRecord{Contract: c, RecordHash: h}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".contracts-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
