package channel

// AliasMap expands personal channel names into the concrete channels that
// deliver under them. Like the Store it relies on the broker's app lock
// for synchronization.
type AliasMap struct {
	aliases map[string][]string
}

// NewAliasMap creates an empty alias map.
func NewAliasMap() *AliasMap {
	return &AliasMap{aliases: make(map[string][]string)}
}

// Add appends an alias for the channel, ignoring duplicates.
func (m *AliasMap) Add(ch, alias string) {
	for _, existing := range m.aliases[ch] {
		if existing == alias {
			return
		}
	}
	m.aliases[ch] = append(m.aliases[ch], alias)
}

// Remove drops an alias from the channel's list.
func (m *AliasMap) Remove(ch, alias string) {
	m.aliases[ch] = remove(m.aliases[ch], alias)
	if len(m.aliases[ch]) == 0 {
		delete(m.aliases, ch)
	}
}

// Holders returns the user ids whose personal channel expands to the
// given alias channel.
func (m *AliasMap) Holders(alias string) []string {
	var users []string
	for ch, aliases := range m.aliases {
		if !IsPersonal(ch) {
			continue
		}
		for _, a := range aliases {
			if a == alias {
				users = append(users, PersonalUser(ch))
				break
			}
		}
	}
	return users
}

// Get returns the aliases registered for the channel.
func (m *AliasMap) Get(ch string) []string {
	aliases := m.aliases[ch]
	if len(aliases) == 0 {
		return nil
	}
	out := make([]string, len(aliases))
	copy(out, aliases)
	return out
}
