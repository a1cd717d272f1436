package directory

import "sort"

// Record is the persisted form of a user. The connected flag is session
// state and deliberately not part of it.
type Record struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
}

// Snapshot copies out every account, sorted by username for deterministic
// saves.
func (d *Directory) Snapshot() []Record {
	var out []Record
	d.users.Range(func(_, v any) bool {
		u := v.(*User)
		u.mu.Lock()
		out = append(out, Record{Username: u.Name, PasswordHash: string(u.hash)})
		u.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Restore bulk-loads accounts from the persistence collaborator. Everyone
// starts logged out; existing entries with the same name are left alone.
func (d *Directory) Restore(records []Record) {
	for _, r := range records {
		u := &User{Name: r.Username, hash: []byte(r.PasswordHash)}
		d.users.LoadOrStore(r.Username, u)
	}
}
