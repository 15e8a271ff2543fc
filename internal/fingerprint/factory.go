package fingerprint

import (
	"fmt"

	"github.com/emilianomaccaferri/tunglo/internal/config"
)

// New selects and constructs the Store named by spec: Local for
// config.StorageTypeLocal (the default), Remote for
// config.StorageTypeRqlite. config.Load has already rejected a rqlite
// selection with no host, so NoRemoteConfig below guards a construction
// path reachable only when New is called directly against a hand-built
// config.StorageSpec, e.g. from a test.
func New(spec config.StorageSpec) (Store, error) {
	switch spec.Type {
	case config.StorageTypeRqlite:
		if spec.Rqlite == nil {
			return nil, NoRemoteConfig
		}
		user, password := "", ""
		if spec.Rqlite.User != nil {
			user = spec.Rqlite.User.Resolve()
		}
		if spec.Rqlite.Password != nil {
			password = spec.Rqlite.Password.Resolve()
		}
		return NewRemote(spec.Rqlite.Host.Resolve(), user, password), nil

	case config.StorageTypeLocal, "":
		return NewLocal(DefaultLocalPath)

	default:
		return nil, fmt.Errorf("fingerprint: unknown storage type %q", spec.Type)
	}
}

// NoRemoteConfig is returned by New when storage.type is rqlite but no
// storage.rqlite table was supplied.
var NoRemoteConfig = fmt.Errorf("fingerprint: storage.type is \"rqlite\" but storage.rqlite is not set")
