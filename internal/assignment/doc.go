// Package assignment chooses agents for conversations.
//
// The engine reads agents from the store and presence from the tracker. It does
// not write: committing an assignment is the transfer coordinator's job, which
// calls Validate again under its per-conversation lock because presence and
// load can change between selection and commit.
package assignment
