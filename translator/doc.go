// Package translator maps decoded RPC requests onto backend queries and
// backend results onto RPC responses.
//
// Every call runs the same strictly sequential steps:
//
//  1. resolve the contract in the registry snapshot the request arrived on
//  2. validate presence, enum values and declared ranges, collecting every
//     violation into one ValidationError
//  3. bind the request fields to the operation's variables
//  4. invoke the backend under a deadline and the in-flight bound
//  5. shape the backend data into the response message
//
// Failures before step 4 never reach the backend. Mutating calls are never
// retried. Cacheable read-only responses may be served from the response
// cache, which the gateway clears on every registry swap.
package translator
