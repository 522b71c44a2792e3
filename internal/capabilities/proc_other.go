//go:build !linux

package capabilities

import "errors"

var errUnsupported = errors.New("capabilities only supported on Linux")

type procController struct{}

// NewProcController returns a Controller whose operations all fail outside
// Linux.
func NewProcController() Controller { return procController{} }

func (procController) Has(Flag, Cap) (bool, error) { return false, errUnsupported }
func (procController) Raise(Flag, ...Cap) error    { return errUnsupported }
func (procController) Lower(Flag, ...Cap) error    { return errUnsupported }
func (procController) Restrict(...Cap) error       { return errUnsupported }
