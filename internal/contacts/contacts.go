// Package contacts resolves spoken names to canonical identities using
// a vCard address book. Satellites report whoever spoke; nicknames and
// first names collapse onto one memory profile through this lookup.
package contacts

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-vcard"
)

// Book is an in-memory name index built from a .vcf file.
type Book struct {
	// byAlias maps lowercased names and nicknames to the canonical
	// formatted name.
	byAlias map[string]string
	logger  *slog.Logger
}

// Load reads every card from a .vcf file and indexes formatted names,
// given names, and nicknames.
func Load(path string, logger *slog.Logger) (*Book, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vcard file: %w", err)
	}
	defer f.Close()

	b := &Book{
		byAlias: make(map[string]string),
		logger:  logger.With("component", "contacts"),
	}

	dec := vcard.NewDecoder(f)
	count := 0
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}
		b.index(card)
		count++
	}
	b.logger.Info("loaded contacts", "cards", count, "aliases", len(b.byAlias))
	return b, nil
}

func (b *Book) index(card vcard.Card) {
	canonical := card.PreferredValue(vcard.FieldFormattedName)
	if canonical == "" {
		return
	}

	b.addAlias(canonical, canonical)
	if name := card.Name(); name != nil && name.GivenName != "" {
		b.addAlias(name.GivenName, canonical)
	}
	for _, value := range card.Values(vcard.FieldNickname) {
		for _, nick := range strings.Split(value, ",") {
			b.addAlias(nick, canonical)
		}
	}
}

// addAlias records an alias unless it already points at a different
// contact; ambiguous aliases resolve to nobody rather than the wrong
// person.
func (b *Book) addAlias(alias, canonical string) {
	key := strings.ToLower(strings.TrimSpace(alias))
	if key == "" {
		return
	}
	if existing, ok := b.byAlias[key]; ok && existing != canonical {
		b.logger.Debug("ambiguous alias dropped", "alias", key)
		b.byAlias[key] = ""
		return
	}
	b.byAlias[key] = canonical
}

// ResolveName maps a spoken name to a canonical contact name.
func (b *Book) ResolveName(spoken string) (string, bool) {
	canonical, ok := b.byAlias[strings.ToLower(strings.TrimSpace(spoken))]
	if !ok || canonical == "" {
		return "", false
	}
	return canonical, true
}
