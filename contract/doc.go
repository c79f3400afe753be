// Package contract compiles named GraphQL operations into fixed RPC
// contracts and holds them in an immutable Registry.
//
// Each service becomes one proto3 file descriptor built with descriptorpb
// and protodesc. For a method GetEmployeeById the file declares
// GetEmployeeByIdRequest, whose fields are the operation's variables in
// declaration order, and GetEmployeeByIdResponse, whose fields are the
// top-level selections with nested selections as nested messages.
// Fragments are flattened into the selecting message.
//
// Type mapping:
//
//	Int              int32
//	Float            double
//	String, ID       string
//	Boolean          bool
//	custom scalar    string
//	enum E           enum E { E_UNSPECIFIED = 0; E_<VALUE> = n; }
//	input object     top-level message
//	object selection nested message
//	[T]              repeated T (nested lists are rejected)
//
// Request scalars and enums are proto3 optional so that an absent field can
// be told apart from a zero value. Response scalars carry presence only
// when nullable. Field JSON names are the GraphQL names and proto names
// are their snake_case form; NameTable records the mapping for every
// reachable message and rejects collisions.
//
// Queries become read-only contracts marked NO_SIDE_EFFECTS; mutations
// become mutating contracts.
package contract
