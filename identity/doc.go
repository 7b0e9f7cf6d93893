// Package identity keeps the two-way mapping between a friend's uin and uid.
//
// The Cache is filled only from onBuddyListChange events. Start subscribes to
// the event and asks the host to publish a fresh friend list. Close
// unsubscribes and clears both tables.
package identity
