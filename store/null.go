package store

// NullStore satisfies SessionStore but persists nothing. Used in tests and
// wherever a bridge is needed without durable state.
type NullStore struct{}

func NewNullStore() *NullStore { return &NullStore{} }

func (*NullStore) SaveMeta(string, *SessionMeta)       {}
func (*NullStore) SaveState(string, *SessionState)     {}
func (*NullStore) SaveHistory(string, []HistoryEntry)  {}
func (*NullStore) Load(string) (*SessionData, bool)    { return nil, false }
func (*NullStore) LoadAll() []*SessionData             { return nil }
func (*NullStore) Remove(string) error                 { return nil }
func (*NullStore) Flush()                              {}
