package directory

import (
	"errors"
	"fmt"

	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

var ErrUnknownGroup = errors.New("unknown group")

// Contact is one logical correspondent. Any field may be missing: the
// gateway identifies people by uuid, number or both, and names are
// sometimes numbers.
type Contact struct {
	UUID    string `json:"uuid,omitempty"`
	Name    string `json:"name,omitempty"`
	Number  string `json:"number,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// Phonebook holds contacts and groups keyed by public group id.
type Phonebook struct {
	Contacts []Contact               `json:"contacts"`
	Groups   map[string]signal.Group `json:"groups"`
}

func (c Contact) matches(uuid, number string) bool {
	return (uuid != "" && c.UUID == uuid) || (number != "" && c.Number == number)
}

// UpdateContact merges identity evidence into the first contact matching
// by uuid or number, or adds a new contact when none matches and a name or
// number is known. It reports whether anything changed.
func (p *Phonebook) UpdateContact(uuid, number, name, profile string) bool {
	for i := range p.Contacts {
		c := &p.Contacts[i]
		if !c.matches(uuid, number) {
			continue
		}
		updated := false
		set := func(dst *string, v string) {
			if v != "" && *dst != v {
				*dst = v
				updated = true
			}
		}
		set(&c.Name, name)
		set(&c.Profile, profile)
		set(&c.Number, number)
		set(&c.UUID, uuid)
		return updated
	}
	if name == "" && number == "" {
		return false
	}
	p.Contacts = append(p.Contacts, Contact{UUID: uuid, Name: name, Number: number, Profile: profile})
	return true
}

// Contact returns the first contact whose uuid or number equals any of ids,
// falling back to an exact name match.
func (p *Phonebook) Contact(ids ...string) (Contact, bool) {
	for _, c := range p.Contacts {
		for _, id := range ids {
			if c.matches(id, id) {
				return c, true
			}
		}
	}
	for _, c := range p.Contacts {
		for _, id := range ids {
			if id != "" && c.Name == id {
				return c, true
			}
		}
	}
	return Contact{}, false
}

// AddGroup stores g and makes sure every member has a contact entry.
// Group members are listed by number.
func (p *Phonebook) AddGroup(g signal.Group) {
	for _, member := range g.Members {
		if _, ok := p.Contact(member); !ok {
			p.Contacts = append(p.Contacts, Contact{Number: member})
		}
	}
	if p.Groups == nil {
		p.Groups = make(map[string]signal.Group)
	}
	p.Groups[g.ID] = g
}

func (p *Phonebook) HasGroup(id string) bool {
	_, ok := p.Groups[id]
	return ok
}

func (p *Phonebook) GroupInternalID(id string) (string, error) {
	g, ok := p.Groups[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	return g.InternalID, nil
}

func (p *Phonebook) clone() *Phonebook {
	out := &Phonebook{
		Contacts: append([]Contact(nil), p.Contacts...),
		Groups:   make(map[string]signal.Group, len(p.Groups)),
	}
	for k, v := range p.Groups {
		out.Groups[k] = v
	}
	return out
}
