package diagnostics

import (
	"net"

	"go2tv.app/sonosplay/internal/mediaserver"
)

var (
	lanAddress = mediaserver.LANAddress
	listen     = net.Listen
)

type AddressStatus struct {
	Found   bool   `json:"found"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BindStatus struct {
	OK      bool   `json:"ok"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

type NetworkReport struct {
	LANAddress    AddressStatus `json:"lan_address"`
	EphemeralBind BindStatus    `json:"ephemeral_bind"`
	Ready         bool          `json:"ready"`
}

// CheckNetwork verifies that a LAN address can be advertised and that an
// ephemeral port can be bound on bindHost. The probe listener is closed
// before returning.
func CheckNetwork(advertiseHost, bindHost string) NetworkReport {
	addr := detectAddress(advertiseHost)
	bind := checkBind(bindHost)

	return NetworkReport{
		LANAddress:    addr,
		EphemeralBind: bind,
		Ready:         addr.Found && bind.OK,
	}
}

func detectAddress(advertiseHost string) AddressStatus {
	host, err := lanAddress(advertiseHost)
	if err != nil {
		return AddressStatus{Error: err.Error()}
	}
	return AddressStatus{Found: true, Address: host}
}

func checkBind(bindHost string) BindStatus {
	ln, err := listen("tcp", net.JoinHostPort(bindHost, "0"))
	if err != nil {
		return BindStatus{Error: err.Error()}
	}
	defer ln.Close()

	return BindStatus{OK: true, Address: ln.Addr().String()}
}
