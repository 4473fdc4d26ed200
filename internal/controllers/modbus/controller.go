package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/ports"
)

// Register map:
//
//	coil 0            relay output (read: FC1, write: FC5)
//	discrete input 0  MQTT link up (FC2)
const (
	CoilRelay       uint16 = 0
	InputLinkStatus uint16 = 0

	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

var ErrUnitID = errors.New("modbus: UnitID is required (non-zero)")

// Config for the Modbus controller.
type Config struct {
	Addr   string
	UnitID byte // Modbus slave/unit ID, 1..247.
}

type Controller struct {
	svc  ports.RelayService
	link ports.LinkStatus
	cfg  Config
	log  *slog.Logger

	serv *mbserver.Server
}

// New returns a Modbus TCP front for the relay. link may be nil, in which case
// discrete input 0 always reads 0.
func New(svc ports.RelayService, link ports.LinkStatus, cfg Config, log *slog.Logger) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, ErrUnitID
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:502"
	}
	return &Controller{
		svc:  svc,
		link: link,
		cfg:  cfg,
		log:  logging.OrDiscard(log).With("component", "modbus"),
	}, nil
}

// Run starts the Modbus server and blocks until ctx is canceled. Writes are applied
// to the relay directly from mbserver's goroutines; the relay controller serializes them.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(2, c.readDiscreteInputs)
	serv.RegisterFunctionHandler(5, c.writeSingleCoil)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("modbus listening", "addr", c.cfg.Addr, "unit_id", c.cfg.UnitID)

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// readSingleBit validates a read request for exactly one bit at addr.
func readSingleBit(frame mbserver.Framer, addr uint16) *mbserver.Exception {
	data := frame.GetData()
	if len(data) < 4 {
		return &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if qty == 0 || qty > 2000 {
		return &mbserver.IllegalDataValue
	}
	if start != addr || qty != 1 {
		return &mbserver.IllegalDataAddress
	}
	return nil
}

// bitResponse is byte count (1) + the packed bit.
func bitResponse(v bool) []byte {
	if v {
		return []byte{1, 0x01}
	}
	return []byte{1, 0x00}
}

// Read Coils (function 1): coil 0 is the relay.
func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := readSingleBit(frame, CoilRelay); ex != nil {
		return []byte{}, ex
	}
	return bitResponse(bool(c.svc.State())), &mbserver.Success
}

// Read Discrete Inputs (function 2): input 0 is the MQTT link.
func (c *Controller) readDiscreteInputs(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if ex := readSingleBit(frame, InputLinkStatus); ex != nil {
		return []byte{}, ex
	}
	up := c.link != nil && c.link.Connected()
	return bitResponse(up), &mbserver.Success
}

// Write Single Coil (function 5): 0xFF00 switches the relay on, 0x0000 off.
func (c *Controller) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if addr != CoilRelay {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	var err error
	switch value {
	case coilOn:
		err = c.svc.TurnOn()
	case coilOff:
		err = c.svc.TurnOff()
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err != nil {
		c.log.Error("relay write failed", "error", err)
		return []byte{}, &mbserver.SlaveDeviceFailure
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}
