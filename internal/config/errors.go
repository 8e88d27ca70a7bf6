package config

import "fmt"

// NotFoundError is returned when the config file does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config file not found: %s (run 'meshfind init' to create one)", e.Path)
}

// InvalidError is returned when the config file exists but does not
// parse or validate.
type InvalidError struct {
	Path    string
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Path, e.Message)
}
