package procreg

// Controller is the narrow OS surface the registry needs. Tests substitute
// their own; production code uses SystemController.
type Controller interface {
	// Alive reports whether pid names a running, non-zombie process.
	Alive(pid int) bool
	// Terminate asks the process to exit. A process that is already gone is
	// not an error.
	Terminate(pid int) error
	// Kill forces the process to exit.
	Kill(pid int) error
	// CommandLine returns the process command line joined by spaces, or
	// errors.ErrUnsupported where the platform cannot report it.
	CommandLine(pid int) (string, error)
}

// SystemController returns the Controller for the running OS.
func SystemController() Controller { return systemController{} }
