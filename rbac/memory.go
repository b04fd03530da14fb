package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It backs the package's own tests and
// suits hosts that want the engine without a database (prototypes, embedded
// tooling). Atomic takes a snapshot of the full state and restores it when
// the body fails, so rollback semantics match a transactional store.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	roles      map[int64]Role
	singletons map[string]int64
	parents    map[int64]map[int64]struct{}
	children   map[int64]map[int64]struct{}
	ancestors  map[int64]map[int64]struct{}
	members    map[int64]map[int64]struct{}
	grants     map[int64]Grant
	nextRole   int64
	nextGrant  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		roles:      make(map[int64]Role),
		singletons: make(map[string]int64),
		parents:    make(map[int64]map[int64]struct{}),
		children:   make(map[int64]map[int64]struct{}),
		ancestors:  make(map[int64]map[int64]struct{}),
		members:    make(map[int64]map[int64]struct{}),
		grants:     make(map[int64]Grant),
	}
}

// Atomic runs fn against a transaction view of the store. The whole state is
// snapshotted up front and restored if fn fails.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.data.clone()
	if err := fn(ctx, &memTx{d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, rec CreateRoleRecord) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createRole(rec)
}

func (m *MemoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.getRole(id)
}

func (m *MemoryStore) GetSingleton(ctx context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.getSingleton(name)
}

func (m *MemoryStore) RolesByID(ctx context.Context, ids []int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.rolesByID(ids)
}

func (m *MemoryStore) DeleteRole(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.deleteRole(id)
}

func (m *MemoryStore) CountRoles(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data.roles)), nil
}

func (m *MemoryStore) AddParent(ctx context.Context, roleID, parentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.addParent(roleID, parentID)
}

func (m *MemoryStore) RemoveParent(ctx context.Context, roleID, parentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.removeParent(roleID, parentID)
}

func (m *MemoryStore) Parents(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setToSlice(m.data.parents[roleID]), nil
}

func (m *MemoryStore) Children(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setToSlice(m.data.children[roleID]), nil
}

func (m *MemoryStore) Ancestors(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setToSlice(m.data.ancestors[roleID]), nil
}

func (m *MemoryStore) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.descendants(roleID), nil
}

func (m *MemoryStore) AddAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.addAncestors(roleID, ancestorIDs)
}

func (m *MemoryStore) RemoveAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.removeAncestors(roleID, ancestorIDs)
}

func (m *MemoryStore) IsAncestor(ctx context.Context, ancestorID, roleID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data.ancestors[roleID][ancestorID]
	return ok, nil
}

func (m *MemoryStore) AddMember(ctx context.Context, roleID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.addMember(roleID, userID)
}

func (m *MemoryStore) RemoveMember(ctx context.Context, roleID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.members[roleID], userID)
	return nil
}

func (m *MemoryStore) RolesOfMember(ctx context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.rolesOfMember(userID), nil
}

func (m *MemoryStore) RolesBoundTo(ctx context.Context, ref ResourceRef) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.rolesBoundTo(ref), nil
}

func (m *MemoryStore) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createGrant(g)
}

func (m *MemoryStore) UpdateGrant(ctx context.Context, g Grant) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateGrant(g)
}

func (m *MemoryStore) GetGrant(ctx context.Context, id int64) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.getGrant(id)
}

func (m *MemoryStore) DeleteGrant(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.deleteGrant(id)
}

func (m *MemoryStore) GrantsForResource(ctx context.Context, ref ResourceRef) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.grantsForResource(ref), nil
}

func (m *MemoryStore) GrantsOfRole(ctx context.Context, roleID int64) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.grantsOfRole(roleID), nil
}

// memTx is the transaction view handed to Atomic bodies. The outer store
// holds its mutex for the whole transaction, so memTx operates on the data
// without locking. A nested Atomic joins the transaction by running the body
// directly.
type memTx struct {
	d *memData
}

func (t *memTx) Atomic(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	return fn(ctx, t)
}

func (t *memTx) CreateRole(ctx context.Context, rec CreateRoleRecord) (Role, error) {
	return t.d.createRole(rec)
}

func (t *memTx) GetRole(ctx context.Context, id int64) (Role, error) {
	return t.d.getRole(id)
}

func (t *memTx) GetSingleton(ctx context.Context, name string) (Role, error) {
	return t.d.getSingleton(name)
}

func (t *memTx) RolesByID(ctx context.Context, ids []int64) ([]Role, error) {
	return t.d.rolesByID(ids)
}

func (t *memTx) DeleteRole(ctx context.Context, id int64) error {
	return t.d.deleteRole(id)
}

func (t *memTx) CountRoles(ctx context.Context) (int64, error) {
	return int64(len(t.d.roles)), nil
}

func (t *memTx) AddParent(ctx context.Context, roleID, parentID int64) error {
	return t.d.addParent(roleID, parentID)
}

func (t *memTx) RemoveParent(ctx context.Context, roleID, parentID int64) error {
	return t.d.removeParent(roleID, parentID)
}

func (t *memTx) Parents(ctx context.Context, roleID int64) ([]int64, error) {
	return setToSlice(t.d.parents[roleID]), nil
}

func (t *memTx) Children(ctx context.Context, roleID int64) ([]int64, error) {
	return setToSlice(t.d.children[roleID]), nil
}

func (t *memTx) Ancestors(ctx context.Context, roleID int64) ([]int64, error) {
	return setToSlice(t.d.ancestors[roleID]), nil
}

func (t *memTx) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	return t.d.descendants(roleID), nil
}

func (t *memTx) AddAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	return t.d.addAncestors(roleID, ancestorIDs)
}

func (t *memTx) RemoveAncestors(ctx context.Context, roleID int64, ancestorIDs []int64) error {
	return t.d.removeAncestors(roleID, ancestorIDs)
}

func (t *memTx) IsAncestor(ctx context.Context, ancestorID, roleID int64) (bool, error) {
	_, ok := t.d.ancestors[roleID][ancestorID]
	return ok, nil
}

func (t *memTx) AddMember(ctx context.Context, roleID, userID int64) error {
	return t.d.addMember(roleID, userID)
}

func (t *memTx) RemoveMember(ctx context.Context, roleID, userID int64) error {
	delete(t.d.members[roleID], userID)
	return nil
}

func (t *memTx) RolesOfMember(ctx context.Context, userID int64) ([]int64, error) {
	return t.d.rolesOfMember(userID), nil
}

func (t *memTx) RolesBoundTo(ctx context.Context, ref ResourceRef) ([]int64, error) {
	return t.d.rolesBoundTo(ref), nil
}

func (t *memTx) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	return t.d.createGrant(g)
}

func (t *memTx) UpdateGrant(ctx context.Context, g Grant) (Grant, error) {
	return t.d.updateGrant(g)
}

func (t *memTx) GetGrant(ctx context.Context, id int64) (Grant, error) {
	return t.d.getGrant(id)
}

func (t *memTx) DeleteGrant(ctx context.Context, id int64) error {
	return t.d.deleteGrant(id)
}

func (t *memTx) GrantsForResource(ctx context.Context, ref ResourceRef) ([]Grant, error) {
	return t.d.grantsForResource(ref), nil
}

func (t *memTx) GrantsOfRole(ctx context.Context, roleID int64) ([]Grant, error) {
	return t.d.grantsOfRole(roleID), nil
}

func (d *memData) createRole(rec CreateRoleRecord) (Role, error) {
	if rec.SingletonName != "" {
		if _, exists := d.singletons[rec.SingletonName]; exists {
			return Role{}, fmt.Errorf("singleton name %q already taken: %w", rec.SingletonName, ErrConstraint)
		}
	}
	d.nextRole++
	now := time.Now().UTC()
	role := Role{
		ID:            d.nextRole,
		Name:          rec.Name,
		SingletonName: rec.SingletonName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if rec.Resource != nil {
		ref := *rec.Resource
		role.Resource = &ref
	}
	d.roles[role.ID] = role
	if rec.SingletonName != "" {
		d.singletons[rec.SingletonName] = role.ID
	}
	return role, nil
}

func (d *memData) getRole(id int64) (Role, error) {
	role, ok := d.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (d *memData) getSingleton(name string) (Role, error) {
	id, ok := d.singletons[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return d.roles[id], nil
}

func (d *memData) rolesByID(ids []int64) ([]Role, error) {
	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		if role, ok := d.roles[id]; ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

func (d *memData) deleteRole(id int64) error {
	role, ok := d.roles[id]
	if !ok {
		return ErrNotFound
	}
	delete(d.roles, id)
	if role.SingletonName != "" {
		delete(d.singletons, role.SingletonName)
	}
	for gid, g := range d.grants {
		if g.RoleID == id {
			delete(d.grants, gid)
		}
	}
	for parent := range d.parents[id] {
		delete(d.children[parent], id)
	}
	for child := range d.children[id] {
		delete(d.parents[child], id)
	}
	for other := range d.ancestors {
		delete(d.ancestors[other], id)
	}
	delete(d.parents, id)
	delete(d.children, id)
	delete(d.ancestors, id)
	delete(d.members, id)
	return nil
}

func (d *memData) addParent(roleID, parentID int64) error {
	if _, ok := d.roles[roleID]; !ok {
		return ErrNotFound
	}
	if _, ok := d.roles[parentID]; !ok {
		return ErrNotFound
	}
	addToSet(d.parents, roleID, parentID)
	addToSet(d.children, parentID, roleID)
	return nil
}

func (d *memData) removeParent(roleID, parentID int64) error {
	delete(d.parents[roleID], parentID)
	delete(d.children[parentID], roleID)
	return nil
}

func (d *memData) descendants(roleID int64) []int64 {
	var out []int64
	for other, anc := range d.ancestors {
		if _, ok := anc[roleID]; ok {
			out = append(out, other)
		}
	}
	return out
}

func (d *memData) addAncestors(roleID int64, ancestorIDs []int64) error {
	for _, a := range ancestorIDs {
		addToSet(d.ancestors, roleID, a)
	}
	return nil
}

func (d *memData) removeAncestors(roleID int64, ancestorIDs []int64) error {
	for _, a := range ancestorIDs {
		delete(d.ancestors[roleID], a)
	}
	return nil
}

func (d *memData) addMember(roleID, userID int64) error {
	if _, ok := d.roles[roleID]; !ok {
		return ErrNotFound
	}
	addToSet(d.members, roleID, userID)
	return nil
}

func (d *memData) rolesOfMember(userID int64) []int64 {
	var out []int64
	for roleID, users := range d.members {
		if _, ok := users[userID]; ok {
			out = append(out, roleID)
		}
	}
	return out
}

func (d *memData) rolesBoundTo(ref ResourceRef) []int64 {
	var out []int64
	for id, role := range d.roles {
		if role.Resource != nil && *role.Resource == ref {
			out = append(out, id)
		}
	}
	return out
}

func (d *memData) createGrant(g Grant) (Grant, error) {
	if _, ok := d.roles[g.RoleID]; !ok {
		return Grant{}, ErrNotFound
	}
	d.nextGrant++
	now := time.Now().UTC()
	g.ID = d.nextGrant
	g.CreatedAt = now
	g.UpdatedAt = now
	d.grants[g.ID] = g
	return g, nil
}

func (d *memData) updateGrant(g Grant) (Grant, error) {
	existing, ok := d.grants[g.ID]
	if !ok {
		return Grant{}, ErrNotFound
	}
	existing.Permissions = g.Permissions
	existing.AutoGenerated = g.AutoGenerated
	existing.UpdatedAt = time.Now().UTC()
	d.grants[g.ID] = existing
	return existing, nil
}

func (d *memData) getGrant(id int64) (Grant, error) {
	g, ok := d.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return g, nil
}

func (d *memData) deleteGrant(id int64) error {
	if _, ok := d.grants[id]; !ok {
		return ErrNotFound
	}
	delete(d.grants, id)
	return nil
}

func (d *memData) grantsForResource(ref ResourceRef) []Grant {
	var out []Grant
	for _, g := range d.grants {
		if g.Resource == ref {
			out = append(out, g)
		}
	}
	return out
}

func (d *memData) grantsOfRole(roleID int64) []Grant {
	var out []Grant
	for _, g := range d.grants {
		if g.RoleID == roleID {
			out = append(out, g)
		}
	}
	return out
}

func (d *memData) clone() *memData {
	c := &memData{
		roles:      make(map[int64]Role, len(d.roles)),
		singletons: make(map[string]int64, len(d.singletons)),
		parents:    cloneSets(d.parents),
		children:   cloneSets(d.children),
		ancestors:  cloneSets(d.ancestors),
		members:    cloneSets(d.members),
		grants:     make(map[int64]Grant, len(d.grants)),
		nextRole:   d.nextRole,
		nextGrant:  d.nextGrant,
	}
	for id, role := range d.roles {
		c.roles[id] = role
	}
	for name, id := range d.singletons {
		c.singletons[name] = id
	}
	for id, g := range d.grants {
		c.grants[id] = g
	}
	return c
}

func cloneSets(src map[int64]map[int64]struct{}) map[int64]map[int64]struct{} {
	out := make(map[int64]map[int64]struct{}, len(src))
	for k, set := range src {
		inner := make(map[int64]struct{}, len(set))
		for v := range set {
			inner[v] = struct{}{}
		}
		out[k] = inner
	}
	return out
}

func addToSet(sets map[int64]map[int64]struct{}, key, value int64) {
	if sets[key] == nil {
		sets[key] = make(map[int64]struct{})
	}
	sets[key][value] = struct{}{}
}

func setToSlice(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
