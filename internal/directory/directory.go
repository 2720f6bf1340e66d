// Package directory resolves which responder should take an incoming
// emergency call for a given team.
package directory

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// Candidate is one responder as the directory sees them right now.
type Candidate struct {
	AdminID  string
	Name     string
	TeamType string
	IsOnline bool
}

// Team carries the dial-around number used when no responder can be
// reached at all.
type Team struct {
	Type    string
	Name    string
	Hotline string
}

// Store supplies the raw responder roster. Responders returns every
// registered responder; the resolver does the team filtering so that
// cross-team fallback stays possible.
type Store interface {
	Responders(ctx context.Context) ([]Candidate, error)
	Team(ctx context.Context, teamType string) (Team, error)
}

// ErrNoResponder means the roster is empty. It carries the team hotline
// so callers can surface a dial-around path.
type ErrNoResponder struct {
	TeamType string
	Hotline  string
}

func (e *ErrNoResponder) Error() string {
	return fmt.Sprintf("directory: no responder registered for team %q", e.TeamType)
}

// Resolver picks a responder for a team.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Pick chooses the best available responder for teamType. Preference order:
//
//  1. online and on the requested team
//  2. on the requested team, offline (they may come back)
//  3. online, any team
//  4. anyone at all
//
// Ties inside a class break on AdminID so the choice is stable.
func (r *Resolver) Pick(ctx context.Context, teamType string) (Candidate, error) {
	all, err := r.store.Responders(ctx)
	if err != nil {
		return Candidate{}, fmt.Errorf("directory: list responders: %w", err)
	}
	if len(all) == 0 {
		return Candidate{}, r.noResponder(ctx, teamType)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].AdminID < all[j].AdminID })

	classes := [4]func(Candidate) bool{
		func(c Candidate) bool { return c.TeamType == teamType && c.IsOnline },
		func(c Candidate) bool { return c.TeamType == teamType },
		func(c Candidate) bool { return c.IsOnline },
		func(c Candidate) bool { return true },
	}
	for rank, match := range classes {
		for _, c := range all {
			if match(c) {
				if rank > 0 {
					log.Printf("DIRECTORY: no ideal responder for %q, fell back to %s (%s, online=%v)",
						teamType, c.AdminID, c.TeamType, c.IsOnline)
				}
				return c, nil
			}
		}
	}
	return Candidate{}, r.noResponder(ctx, teamType) // unreachable with len>0
}

func (r *Resolver) noResponder(ctx context.Context, teamType string) error {
	e := &ErrNoResponder{TeamType: teamType}
	if team, err := r.store.Team(ctx, teamType); err == nil {
		e.Hotline = team.Hotline
	}
	return e
}
