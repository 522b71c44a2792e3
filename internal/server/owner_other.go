//go:build !unix

package server

import "github.com/agentsh/jailhttpd/internal/identity"

// ResourceOwner always reports an unknown owner; ownership is not
// available here.
func ResourceOwner(root, docRoot, rel string) (*identity.Candidate, error) { return nil, nil }
