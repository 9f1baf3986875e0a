package alljoyn

// Standard bus names, paths, and interfaces.
const (
	busServiceName = "org.alljoyn.Bus"
	busObjectPath  = "/org/alljoyn/Bus"
	busIfaceName   = "org.alljoyn.Bus"

	peerIfaceName        = "org.freedesktop.DBus.Peer"
	peerSessionIfaceName = "org.alljoyn.Bus.Peer.Session"
	peerSessionPath      = "/org/alljoyn/Bus/Peer"

	dbusIfaceName  = "org.freedesktop.DBus"
	aboutIfaceName = "org.alljoyn.About"
	appStateIface  = "org.alljoyn.Bus.Application"
)

// Disposition codes returned by bus-controller methods.
const (
	dispositionSuccess uint32 = iota
	dispositionRejected
	dispositionNoSession
	dispositionPortInUse
	dispositionNameTaken
	dispositionFailed
)

// registerStandardInterfaces installs the built-in interface descriptions
// on a fresh attachment. The bus controller and the per-attachment peer
// session object implement these; clients call and subscribe to them.
func registerStandardInterfaces(reg *interfaceRegistry) {
	bus, _ := reg.create(busIfaceName, SecurityOff)
	bus.AddMethod("BindSessionPort", "qv", "uq")
	bus.AddMethod("UnbindSessionPort", "q", "u")
	bus.AddMethod("JoinSession", "sqv", "uuv")
	bus.AddMethod("LeaveSession", "u", "u")
	bus.AddMethod("LeaveHostedSession", "u", "u")
	bus.AddMethod("LeaveJoinedSession", "u", "u")
	bus.AddMethod("RequestName", "su", "u")
	bus.AddMethod("ReleaseName", "s", "u")
	bus.AddMethod("AdvertiseName", "s", "u")
	bus.AddMethod("CancelAdvertiseName", "s", "u")
	bus.AddSignal("SessionLostWithReasonAndDisposition", "uuu")
	bus.AddSignal("MPSessionChangedWithReason", "usbu")
	bus.AddSignal("FoundAdvertisedName", "ss")
	bus.AddSignal("LostAdvertisedName", "ss")
	bus.Activate()

	dbus, _ := reg.create(dbusIfaceName, SecurityOff)
	dbus.AddSignal("NameOwnerChanged", "sss")
	dbus.Activate()

	peer, _ := reg.create(peerIfaceName, SecurityOff)
	peer.AddMethod("Ping", "", "")
	peer.AddMethod("GetMachineId", "", "s")
	peer.Activate()

	session, _ := reg.create(peerSessionIfaceName, SecurityOff)
	session.AddMethod("AcceptSession", "qusv", "b")
	session.AddSignal("SessionJoined", "qus")
	session.Activate()

	about, _ := reg.create(aboutIfaceName, SecurityOff)
	about.AddSignal("Announce", "qqv")
	about.Activate()

	app, _ := reg.create(appStateIface, SecurityOff)
	app.AddSignal("State", "su")
	app.Activate()
}
