package facade

// Op names one operation of the catalog.
type Op string

const (
	OpOpenSession         Op = "open_session"
	OpCloseSession        Op = "close_session"
	OpIsUsable            Op = "is_usable"
	OpIsVisible           Op = "is_visible"
	OpGetObject           Op = "get_object"
	OpResolveObject       Op = "resolve_object"
	OpResolveField        Op = "resolve_field"
	OpFindInstances       Op = "find_instances"
	OpHasInstances        Op = "has_instances"
	OpOidForService       Op = "oid_for_service"
	OpSetAssociation      Op = "set_association"
	OpClearAssociation    Op = "clear_association"
	OpSetValue            Op = "set_value"
	OpClearValue          Op = "clear_value"
	OpExecuteClientAction Op = "execute_client_action"
	OpExecuteServerAction Op = "execute_server_action"
	OpGetProperties       Op = "get_properties"
)

// Descriptor fixes the request layout of one operation.
type Descriptor struct {
	Op      Op
	Command byte
	// Args is the number of space separated words on the request line,
	// the session token included.
	Args int
	// Sections is the number of data sections following the request line.
	// -1 means the count is the last request argument.
	Sections int
	Mutates  bool
}

var catalog = []Descriptor{
	{Op: OpOpenSession, Command: 'O', Args: 1, Sections: 1},
	{Op: OpCloseSession, Command: 'C', Args: 1},
	{Op: OpIsUsable, Command: 'U', Args: 2, Sections: 1},
	{Op: OpIsVisible, Command: 'W', Args: 2, Sections: 1},
	{Op: OpGetObject, Command: 'G', Args: 2, Sections: 1},
	{Op: OpResolveObject, Command: 'R', Args: 1, Sections: 1},
	{Op: OpResolveField, Command: 'L', Args: 2, Sections: 1},
	{Op: OpFindInstances, Command: 'Q', Args: 2, Sections: 1},
	{Op: OpHasInstances, Command: 'H', Args: 2},
	{Op: OpOidForService, Command: 'S', Args: 2},
	{Op: OpSetAssociation, Command: 'A', Args: 2, Sections: 2, Mutates: true},
	{Op: OpClearAssociation, Command: 'a', Args: 2, Sections: 2, Mutates: true},
	{Op: OpSetValue, Command: 'V', Args: 2, Sections: 2, Mutates: true},
	{Op: OpClearValue, Command: 'v', Args: 2, Sections: 1, Mutates: true},
	{Op: OpExecuteClientAction, Command: 'x', Args: 2, Sections: -1, Mutates: true},
	{Op: OpExecuteServerAction, Command: 'X', Args: 2, Sections: 2, Mutates: true},
	{Op: OpGetProperties, Command: 'P', Args: 1},
}

var (
	byCommand = map[byte]Descriptor{}
	byOp      = map[Op]Descriptor{}
)

func init() {
	for _, d := range catalog {
		byCommand[d.Command] = d
		byOp[d.Op] = d
	}
}

// Lookup resolves a command character received on the wire.
func Lookup(command byte) (Descriptor, bool) {
	d, ok := byCommand[command]
	return d, ok
}

// Describe returns the descriptor of op. Every Op constant is described.
func Describe(op Op) Descriptor {
	return byOp[op]
}

// Catalog lists every operation in a stable order.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}
