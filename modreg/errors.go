package modreg

import "errors"

var (
	// ErrUnitNotFound is returned when no unit with the given name is loaded.
	ErrUnitNotFound = errors.New("modreg: unit not found")

	// ErrUnitInactive is returned when executing a unit whose definition is
	// loaded but marked inactive.
	ErrUnitInactive = errors.New("modreg: unit is inactive")

	// ErrUnitConflict is returned when a unit file declares a name that is
	// already backed by a different file.
	ErrUnitConflict = errors.New("modreg: unit name already backed by another file")

	// ErrMissingParams is returned when a call omits parameters the unit's
	// input schema marks required.
	ErrMissingParams = errors.New("modreg: missing required parameters")

	// ErrNoDatabase is returned when a sql_query unit executes on a registry
	// built without a database.
	ErrNoDatabase = errors.New("modreg: no database configured")

	// ErrFuncNotRegistered is returned when a go_function unit names a
	// function the host never registered.
	ErrFuncNotRegistered = errors.New("modreg: go function not registered")
)
