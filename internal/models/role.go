package models

// Role is the display label attached to a connection.
type Role string

const (
	RoleHost      Role = "host"
	RoleGuest     Role = "guest"
	RoleCaller    Role = "caller"
	RoleListener  Role = "listener"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Capability is a single permission derived from a role. Authorization
// checks use capabilities, never the display label.
type Capability string

const (
	CapStartStop    Capability = "start_stop"
	CapModerate     Capability = "moderate"
	CapPublishAudio Capability = "publish_audio"
	CapChat         Capability = "chat"
)

var roleCapabilities = map[Role]map[Capability]struct{}{
	RoleHost:      caps(CapStartStop, CapModerate, CapPublishAudio, CapChat),
	RoleGuest:     caps(CapPublishAudio, CapChat),
	RoleCaller:    caps(CapPublishAudio, CapChat),
	RoleListener:  caps(CapChat),
	RoleModerator: caps(CapModerate, CapChat),
	RoleAdmin:     caps(CapStartStop, CapModerate, CapChat),
}

func caps(cs ...Capability) map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(cs))
	for _, c := range cs {
		m[c] = struct{}{}
	}
	return m
}

// Valid reports whether the role is one of the known labels.
func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// Can reports whether the role grants the capability.
func (r Role) Can(c Capability) bool {
	m, ok := roleCapabilities[r]
	if !ok {
		return false
	}
	_, ok = m[c]
	return ok
}
