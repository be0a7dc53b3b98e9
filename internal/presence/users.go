package presence

import (
	"encoding/json"
	"sort"
)

// User is one entry of the active user list.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Color string `json:"color"`
}

// UserList derives the de-duplicated list of remote users from awareness
// states. It only rebuilds when the set of user ids changes, so cursor
// movement never invalidates consumers.
type UserList struct {
	selfUserID string
	ids        map[string]struct{}
	users      []User
}

func NewUserList(selfUserID string) *UserList {
	return &UserList{selfUserID: selfUserID, ids: map[string]struct{}{}, users: []User{}}
}

// Update recomputes the list from states. changed is false when the id set
// is the same as last time; users is then the previous list.
func (l *UserList) Update(states map[string]json.RawMessage) (users []User, changed bool) {
	byID := make(map[string]User)
	clientIDs := make([]string, 0, len(states))
	for clientID := range states {
		clientIDs = append(clientIDs, clientID)
	}
	// First connection of a user (by client id order) names the entry.
	sort.Strings(clientIDs)
	for _, clientID := range clientIDs {
		state, ok := Decode(states[clientID])
		if !ok || state.UserID == l.selfUserID {
			continue
		}
		if _, seen := byID[state.UserID]; seen {
			continue
		}
		color := state.Color
		if color == "" {
			color = ColorFor(state.UserID)
		}
		byID[state.UserID] = User{ID: state.UserID, Name: state.DisplayName, Role: state.Role, Color: color}
	}

	if sameIDs(l.ids, byID) {
		return l.Users(), false
	}

	l.ids = make(map[string]struct{}, len(byID))
	next := make([]User, 0, len(byID))
	for id, user := range byID {
		l.ids[id] = struct{}{}
		next = append(next, user)
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].Name != next[j].Name {
			return next[i].Name < next[j].Name
		}
		return next[i].ID < next[j].ID
	})
	l.users = next
	return l.Users(), true
}

func (l *UserList) Users() []User {
	out := make([]User, len(l.users))
	copy(out, l.users)
	return out
}

func sameIDs(known map[string]struct{}, next map[string]User) bool {
	if len(known) != len(next) {
		return false
	}
	for id := range next {
		if _, ok := known[id]; !ok {
			return false
		}
	}
	return true
}
