package formdef

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-pipeline/internal/classify"
)

// ErrUnknownForm is returned when no definition exists for a form ID.
var ErrUnknownForm = eris.New("formdef: unknown form")

// ErrInvalidDefinition is returned when a definition fails structural
// validation. It is never silently replaced with defaults.
var ErrInvalidDefinition = eris.New("formdef: invalid definition")

// LoadFile reads and validates a single form definition from a YAML file.
func LoadFile(path string) (*FormDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "formdef: read %s", path)
	}

	var def FormDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, eris.Wrapf(err, "formdef: parse %s", path)
	}

	if err := Validate(&def); err != nil {
		return nil, eris.Wrapf(err, "formdef: %s", path)
	}

	applyDefaults(&def)
	return &def, nil
}

// Validate performs structural validation and compiles custom patterns.
func Validate(def *FormDefinition) error {
	if def.ID == "" {
		return eris.Wrap(ErrInvalidDefinition, "missing form id")
	}
	if len(def.Fields) == 0 {
		return eris.Wrapf(ErrInvalidDefinition, "form %s declares no fields", def.ID)
	}

	seen := make(map[string]bool, len(def.Fields))
	for i := range def.Fields {
		f := &def.Fields[i]
		if f.ID == "" {
			return eris.Wrapf(ErrInvalidDefinition, "form %s has a field without id", def.ID)
		}
		if seen[f.ID] {
			return eris.Wrapf(ErrInvalidDefinition, "form %s declares field %s twice", def.ID, f.ID)
		}
		seen[f.ID] = true

		if f.Type == "" {
			f.Type = FieldText
		}
		switch f.Type {
		case FieldText, FieldEmail, FieldPhone, FieldURL, FieldSelect:
		default:
			return eris.Wrapf(ErrInvalidDefinition, "form %s field %s: unknown type %q", def.ID, f.ID, f.Type)
		}
		if f.MinLength > 0 && f.MaxLength > 0 && f.MinLength > f.MaxLength {
			return eris.Wrapf(ErrInvalidDefinition, "form %s field %s: min_length > max_length", def.ID, f.ID)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return eris.Wrapf(ErrInvalidDefinition, "form %s field %s: bad pattern: %v", def.ID, f.ID, err)
			}
			f.compiled = re
		}
	}

	for tier, rules := range map[string][]classify.Rule{
		"red": def.Rules.Red, "yellow": def.Rules.Yellow, "green": def.Rules.Green,
	} {
		for _, rule := range rules {
			if rule.Name == "" {
				return eris.Wrapf(ErrInvalidDefinition, "form %s: %s rule without name", def.ID, tier)
			}
			for _, cond := range rule.When {
				if cond.Signal == "" {
					return eris.Wrapf(ErrInvalidDefinition, "form %s rule %s: condition without signal", def.ID, rule.Name)
				}
				if !classify.ValidOperator(cond.Op) {
					return eris.Wrapf(ErrInvalidDefinition, "form %s rule %s: unknown operator %q", def.ID, rule.Name, cond.Op)
				}
			}
		}
	}

	return nil
}

// applyDefaults fills the fail-open/fail-closed defaults: fail-closed for
// turnstile and rate limiting, fail-open for geolocation and phone lookups.
func applyDefaults(def *FormDefinition) {
	if def.Security.Turnstile.OnError == "" {
		def.Security.Turnstile.OnError = FailClosed
	}
	if def.Security.RateLimit.OnError == "" {
		def.Security.RateLimit.OnError = FailClosed
	}
	if def.Security.Geo.OnError == "" {
		def.Security.Geo.OnError = FailOpen
	}
	if def.Security.EmailDomain.OnError == "" {
		def.Security.EmailDomain.OnError = FailClosed
	}
	if def.Security.Phone.OnError == "" {
		def.Security.Phone.OnError = FailOpen
	}
}

// Registry is the process-wide form definition cache. Definitions load
// lazily on first use and are never mutated afterwards; invalidation is out
// of scope.
type Registry struct {
	dir  string
	mu   sync.RWMutex
	defs map[string]*FormDefinition
}

// NewRegistry creates a registry backed by a directory of YAML files named
// <formID>.yaml.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		defs: make(map[string]*FormDefinition),
	}
}

// Get resolves the definition for a form ID, loading it on first use.
// Returns ErrUnknownForm when no file exists and ErrInvalidDefinition when
// the file fails structural validation.
func (r *Registry) Get(formID string) (*FormDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[formID]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if def, ok = r.defs[formID]; ok {
		return def, nil
	}

	path := filepath.Join(r.dir, formID+".yaml")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(ErrUnknownForm, "%s", formID)
		}
		return nil, eris.Wrapf(err, "formdef: stat %s", path)
	}

	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if def.ID != formID {
		return nil, eris.Wrapf(ErrInvalidDefinition, "file %s declares id %q", path, def.ID)
	}

	r.defs[formID] = def
	zap.L().Info("formdef: loaded form definition",
		zap.String("form_id", formID),
		zap.Int("fields", len(def.Fields)),
	)
	return def, nil
}

// Put seeds a definition directly. Used by tests and by the forms validate
// command.
func (r *Registry) Put(def *FormDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	applyDefaults(def)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}
