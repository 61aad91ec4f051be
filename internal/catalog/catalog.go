// Package catalog loads the client catalog and classification rules from
// YAML seed files and writes them through a store.Seeder.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/ledgerclose/internal/model"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

// ErrInvalidCatalog wraps every validation problem found in a seed file.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the root of a seed file.
type Catalog struct {
	Clients []Client `yaml:"clients"`
}

// Client is one catalog entry with its rules.
type Client struct {
	ID         int64      `yaml:"id"`
	Name       string     `yaml:"name"`
	Bilingual  bool       `yaml:"bilingual"`
	Sets       []Set      `yaml:"sets"`
	Accounts   []Account  `yaml:"accounts"`
	Exceptions Exceptions `yaml:"exceptions"`
}

// Set is a classification set and its allowed values.
type Set struct {
	Name      string   `yaml:"name"`
	Mandatory bool     `yaml:"mandatory"`
	Statement bool     `yaml:"statement"`
	Options   []string `yaml:"options"`
}

// Account pre-registers an account and its classifications, keyed by set
// name.
type Account struct {
	Code            string            `yaml:"code"`
	Name            string            `yaml:"name"`
	EnglishName     string            `yaml:"english_name"`
	Classifications map[string]string `yaml:"classifications"`
}

// Exceptions lists the client's active and retired exceptions.
type Exceptions struct {
	Classification []ClassificationException `yaml:"classification"`
	Account        []AccountException        `yaml:"account"`
}

// ClassificationException suppresses one (account, set) pair.
type ClassificationException struct {
	Account string `yaml:"account"`
	Set     string `yaml:"set"`
	Reason  string `yaml:"reason"`
	Active  *bool  `yaml:"active"`
}

// AccountException suppresses a per-account rule.
type AccountException struct {
	Account string `yaml:"account"`
	Kind    string `yaml:"kind"`
	Reason  string `yaml:"reason"`
	Active  *bool  `yaml:"active"`
}

func active(b *bool) bool { return b == nil || *b }

// Load decodes and validates a single-document seed. Unknown keys are
// rejected.
func Load(r io.Reader) (Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return Catalog{}, fmt.Errorf("%w: multiple YAML documents", ErrInvalidCatalog)
	}

	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadFile reads a seed file from disk.
func LoadFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, err
	}
	defer f.Close()
	return Load(f)
}

// Validate reports every problem at once.
func (c Catalog) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	seen := make(map[int64]bool)
	for _, cl := range c.Clients {
		if cl.ID <= 0 {
			add("client %q: id must be positive", cl.Name)
		}
		if seen[cl.ID] {
			add("client %d: duplicate id", cl.ID)
		}
		seen[cl.ID] = true

		sets := make(map[string]Set)
		statements := 0
		for _, s := range cl.Sets {
			key := strings.ToLower(s.Name)
			if s.Name == "" {
				add("client %d: set without name", cl.ID)
			}
			if _, dup := sets[key]; dup {
				add("client %d: duplicate set %q", cl.ID, s.Name)
			}
			if len(s.Options) == 0 {
				add("client %d: set %q has no options", cl.ID, s.Name)
			}
			if s.Statement {
				statements++
			}
			sets[key] = s
		}
		if statements > 1 {
			add("client %d: more than one statement set", cl.ID)
		}

		for _, a := range cl.Accounts {
			if a.Code == "" {
				add("client %d: account without code", cl.ID)
			}
			for setName, value := range a.Classifications {
				s, ok := sets[strings.ToLower(setName)]
				if !ok {
					add("client %d: account %s: unknown set %q", cl.ID, a.Code, setName)
					continue
				}
				if !hasOption(s, value) {
					add("client %d: account %s: %q is not an option of %q", cl.ID, a.Code, value, s.Name)
				}
			}
		}
		for _, ex := range cl.Exceptions.Classification {
			if _, ok := sets[strings.ToLower(ex.Set)]; !ok {
				add("client %d: exception for %s: unknown set %q", cl.ID, ex.Account, ex.Set)
			}
		}
		for _, ex := range cl.Exceptions.Account {
			switch model.ExceptionKind(ex.Kind) {
			case model.ExceptDocumentType, model.ExceptEnglishName:
			default:
				add("client %d: exception for %s: unknown kind %q", cl.ID, ex.Account, ex.Kind)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidCatalog, strings.Join(problems, "\n  - "))
	}
	return nil
}

func hasOption(s Set, value string) bool {
	for _, o := range s.Options {
		if strings.EqualFold(o, value) {
			return true
		}
	}
	return false
}

// Apply writes the catalog through seeder. Applying the same catalog twice
// leaves the store unchanged.
func Apply(ctx context.Context, seeder store.Seeder, c Catalog) error {
	for _, cl := range c.Clients {
		if err := applyClient(ctx, seeder, cl); err != nil {
			return fmt.Errorf("client %d: %w", cl.ID, err)
		}
		slog.Info("catalog client applied",
			"client_id", cl.ID,
			"sets", len(cl.Sets),
			"accounts", len(cl.Accounts),
		)
	}
	return nil
}

func applyClient(ctx context.Context, seeder store.Seeder, cl Client) error {
	if err := seeder.PutClient(ctx, model.Client{ID: cl.ID, Name: cl.Name, Bilingual: cl.Bilingual}); err != nil {
		return fmt.Errorf("put client: %w", err)
	}

	setIDs := make(map[string]int64, len(cl.Sets))
	for _, s := range cl.Sets {
		set, err := seeder.PutClassificationSet(ctx, model.ClassificationSet{
			ClientID:  cl.ID,
			Name:      s.Name,
			Mandatory: s.Mandatory,
			Statement: s.Statement,
		}, s.Options)
		if err != nil {
			return fmt.Errorf("put set %q: %w", s.Name, err)
		}
		setIDs[strings.ToLower(s.Name)] = set.ID
	}

	for _, a := range cl.Accounts {
		if a.Name != "" || a.EnglishName != "" {
			if _, err := seeder.PutAccount(ctx, model.Account{
				ClientID:    cl.ID,
				Code:        a.Code,
				Name:        a.Name,
				EnglishName: a.EnglishName,
			}); err != nil {
				return fmt.Errorf("put account %s: %w", a.Code, err)
			}
		}
		for setName, value := range a.Classifications {
			err := seeder.PutAccountClassification(ctx, model.AccountClassification{
				ClientID:    cl.ID,
				AccountCode: a.Code,
				SetID:       setIDs[strings.ToLower(setName)],
				Value:       value,
			})
			if err != nil {
				return fmt.Errorf("classify %s in %q: %w", a.Code, setName, err)
			}
		}
	}

	for _, ex := range cl.Exceptions.Classification {
		err := seeder.PutClassificationException(ctx, model.ClassificationException{
			ClientID:    cl.ID,
			AccountCode: ex.Account,
			SetID:       setIDs[strings.ToLower(ex.Set)],
			Active:      active(ex.Active),
			Reason:      ex.Reason,
		})
		if err != nil {
			return fmt.Errorf("classification exception %s: %w", ex.Account, err)
		}
	}
	for _, ex := range cl.Exceptions.Account {
		err := seeder.PutAccountException(ctx, model.AccountException{
			ClientID:    cl.ID,
			AccountCode: ex.Account,
			Kind:        model.ExceptionKind(ex.Kind),
			Active:      active(ex.Active),
			Reason:      ex.Reason,
		})
		if err != nil {
			return fmt.Errorf("account exception %s: %w", ex.Account, err)
		}
	}
	return nil
}
