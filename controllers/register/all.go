// Package register registers all controller types shipped with the manager.
package register

import (
	// register controllers.
	_ "go.viam.com/ctrlmgr/controller/fake"
	_ "go.viam.com/ctrlmgr/controllers/gravity"
	_ "go.viam.com/ctrlmgr/controllers/position"
	_ "go.viam.com/ctrlmgr/controllers/trajectory"
)
