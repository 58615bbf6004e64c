package schema

// Document is one record instance: an ordered mapping from declared field
// names to typed values, plus the transient state the persistence engine
// needs (the new flag and the lock value observed at load time). Documents
// are not safe for concurrent mutation.
type Document struct {
	model *ModelDefinition
	attrs map[string]any
	order []string

	isNew bool

	// loadedLock is the lock value the item had when it was read. Conditional
	// checks compare against this, not against whatever the caller may have
	// set since, unless the lock was explicitly overridden.
	loadedLock     int64
	hasLoadedLock  bool
	lockOverridden bool
}

// New constructs a not-yet-saved document, applying declared defaults.
// Declaring a default on a custom-type field is a configuration error.
func New(m *ModelDefinition) (*Document, error) {
	d := &Document{
		model: m,
		attrs: make(map[string]any, len(m.Fields)),
		isNew: true,
	}
	for _, f := range m.Fields {
		v, ok := f.DefaultValue()
		if !ok {
			continue
		}
		if f.Type == Custom {
			return nil, ErrCustomDefault
		}
		d.set(f.Name, v)
	}
	if m.DiscriminatorField != "" {
		d.set(m.DiscriminatorField, m.Name)
	}
	return d, nil
}

// Build constructs a new document and assigns the given attributes, skipping
// unknown names.
func Build(m *ModelDefinition, attrs map[string]any) (*Document, error) {
	d, err := New(m)
	if err != nil {
		return nil, err
	}
	d.Assign(attrs)
	return d, nil
}

// Loaded constructs a document from attributes read back from the store. The
// new flag is cleared and the lock value, when declared and present, is
// captured as the conditional-check basis for later writes.
func Loaded(m *ModelDefinition, attrs map[string]any) *Document {
	d := &Document{
		model: m,
		attrs: make(map[string]any, len(attrs)),
	}
	// Declared fields only, in declaration order. Historical attributes the
	// item still carries but the schema no longer declares are skipped.
	for _, f := range m.Fields {
		if v, ok := attrs[f.Name]; ok {
			d.set(f.Name, v)
		}
	}
	if m.LockField != "" {
		if v, ok := d.Int64(m.LockField); ok {
			d.loadedLock = v
			d.hasLoadedLock = true
		}
	}
	return d
}

func (d *Document) Model() *ModelDefinition { return d.model }

// IsNew reports whether the document has never been written.
func (d *Document) IsNew() bool { return d.isNew }

// Get returns the typed value of a field, or nil when unset.
func (d *Document) Get(name string) any { return d.attrs[name] }

// Set assigns a declared field and reports whether the name is declared.
// Unknown names are skipped, tolerating attributes no longer in the schema.
func (d *Document) Set(name string, v any) bool {
	if _, ok := d.model.Field(name); !ok {
		return false
	}
	if d.model.LockField != "" && name == d.model.LockField {
		d.lockOverridden = true
	}
	d.set(name, v)
	return true
}

func (d *Document) set(name string, v any) {
	if _, ok := d.attrs[name]; !ok {
		d.order = append(d.order, name)
	}
	d.attrs[name] = v
}

// Unset removes an attribute entirely, as opposed to setting it to nil.
func (d *Document) Unset(name string) {
	if _, ok := d.attrs[name]; !ok {
		return
	}
	delete(d.attrs, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Assign bulk-sets attributes, skipping unknown names.
func (d *Document) Assign(attrs map[string]any) {
	for _, f := range d.model.Fields {
		if v, ok := attrs[f.Name]; ok {
			d.Set(f.Name, v)
		}
	}
}

// Attrs returns the attribute map in field insertion order via Names.
func (d *Document) Attrs() map[string]any {
	out := make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		out[k] = v
	}
	return out
}

// Names returns set field names in insertion order.
func (d *Document) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Int64 reads an integer-typed attribute.
func (d *Document) Int64(name string) (int64, bool) {
	switch v := d.attrs[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	default:
		return 0, false
	}
}

// HashKeyValue returns the hash key value, or nil when unset.
func (d *Document) HashKeyValue() any { return d.attrs[d.model.HashKey] }

// SetHashKey assigns the hash key without marking a lock override.
func (d *Document) SetHashKey(v any) { d.set(d.model.HashKey, v) }

// RangeKeyValue returns the range key value for range-keyed tables.
func (d *Document) RangeKeyValue() any {
	if d.model.RangeKey == "" {
		return nil
	}
	return d.attrs[d.model.RangeKey]
}

// LockValue returns the current in-memory lock field value.
func (d *Document) LockValue() (int64, bool) {
	if d.model.LockField == "" {
		return 0, false
	}
	return d.Int64(d.model.LockField)
}

// LockBasis returns the value conditional checks must compare against: the
// explicitly overridden value when the caller set the lock field directly,
// otherwise the value observed at load time.
func (d *Document) LockBasis() (int64, bool) {
	if d.lockOverridden {
		return d.Int64(d.model.LockField)
	}
	if d.hasLoadedLock {
		return d.loadedLock, true
	}
	return 0, false
}

// MarkPersisted clears the new flag and records the lock value just written
// as the basis for the next conditional check.
func (d *Document) MarkPersisted(lock int64, hasLock bool) {
	d.isNew = false
	d.lockOverridden = false
	d.hasLoadedLock = hasLock
	d.loadedLock = lock
}
