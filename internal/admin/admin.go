// Package admin implements AdminControl: admin/mod role checks and
// the add/remove/kick operations exposed on any scope that carries
// admins and mods. Checks are uid-based and tolerate stale/unresolved
// references, matching the original's HasAdmins mixin.
package admin

import (
	"errors"
	"fmt"
	"sync"
)

// ErrForbidden is returned when the actor lacks the role an operation
// requires.
var ErrForbidden = errors.New("admin: forbidden")

// Roles form a strict hierarchy: admin ⊃ mod ⊃ user.
type Control struct {
	mu            sync.Mutex
	admins        []string
	mods          []string
	kickedPlayers []string
}

// New builds a Control seeded from persisted admin/mod/kicked lists.
func New(admins, mods, kicked []string) *Control {
	return &Control{
		admins:        append([]string(nil), admins...),
		mods:          append([]string(nil), mods...),
		kickedPlayers: append([]string(nil), kicked...),
	}
}

func (c *Control) IsAdmin(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return contains(c.admins, uid)
}

func (c *Control) IsMod(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return contains(c.admins, uid) || contains(c.mods, uid)
}

func (c *Control) IsKicked(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return contains(c.kickedPlayers, uid)
}

// Admins returns a snapshot of the admin uid list.
func (c *Control) Admins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.admins...)
}

// Mods returns a snapshot of the mod uid list.
func (c *Control) Mods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.mods...)
}

// Kicked returns a snapshot of the kicked-player uid list, for scopes
// that need to sync it into their persisted document.
func (c *Control) Kicked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.kickedPlayers...)
}

// AddAdmin is admin-only.
func (c *Control) AddAdmin(actorUID, targetUID string) error {
	if !c.IsAdmin(actorUID) {
		return fmt.Errorf("adding admin %s: %w", targetUID, ErrForbidden)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.admins, targetUID) {
		c.admins = append(c.admins, targetUID)
	}
	return nil
}

// RemoveAdmin is admin-only.
func (c *Control) RemoveAdmin(actorUID, targetUID string) error {
	if !c.IsAdmin(actorUID) {
		return fmt.Errorf("removing admin %s: %w", targetUID, ErrForbidden)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admins = remove(c.admins, targetUID)
	return nil
}

// AddMod is admin-only.
func (c *Control) AddMod(actorUID, targetUID string) error {
	if !c.IsAdmin(actorUID) {
		return fmt.Errorf("adding mod %s: %w", targetUID, ErrForbidden)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.mods, targetUID) {
		c.mods = append(c.mods, targetUID)
	}
	return nil
}

// RemoveMod is admin-only.
func (c *Control) RemoveMod(actorUID, targetUID string) error {
	if !c.IsAdmin(actorUID) {
		return fmt.Errorf("removing mod %s: %w", targetUID, ErrForbidden)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mods = remove(c.mods, targetUID)
	return nil
}

// KickPlayer is mod-or-admin; the target is expelled at its next read
// boundary and may not rejoin.
func (c *Control) KickPlayer(actorUID, targetUID string) error {
	if !c.IsMod(actorUID) {
		return fmt.Errorf("kicking %s: %w", targetUID, ErrForbidden)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.kickedPlayers, targetUID) {
		c.kickedPlayers = append(c.kickedPlayers, targetUID)
	}
	return nil
}

// AssignFirstAdmin makes uid admin if there are currently none,
// matching the original's Lobby.on_client_entered auto-assignment.
func (c *Control) AssignFirstAdmin(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.admins) == 0 {
		c.admins = append(c.admins, uid)
	}
}

// adminMessageTypes are the type strings Dispatch recognizes.
var adminMessageTypes = map[string]bool{
	"ADD_ADMIN": true, "RM_ADMIN": true, "ADD_MOD": true, "RM_MOD": true, "KICK_PLAYER": true,
}

// IsAdminMessage reports whether msgType is one Dispatch handles.
func IsAdminMessage(msgType string) bool {
	return adminMessageTypes[msgType]
}

// Dispatch routes one admin-op message to the matching Control method,
// reading the target uid from payload["uid"]. Shared by every scope
// that carries admins/mods (Lobby, Room, Game).
func (c *Control) Dispatch(actorUID, msgType string, payload map[string]any) error {
	target, _ := payload["uid"].(string)
	switch msgType {
	case "ADD_ADMIN":
		return c.AddAdmin(actorUID, target)
	case "RM_ADMIN":
		return c.RemoveAdmin(actorUID, target)
	case "ADD_MOD":
		return c.AddMod(actorUID, target)
	case "RM_MOD":
		return c.RemoveMod(actorUID, target)
	case "KICK_PLAYER":
		return c.KickPlayer(actorUID, target)
	default:
		return nil
	}
}

func contains(list []string, uid string) bool {
	for _, v := range list {
		if v == uid {
			return true
		}
	}
	return false
}

func remove(list []string, uid string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != uid {
			out = append(out, v)
		}
	}
	return out
}
