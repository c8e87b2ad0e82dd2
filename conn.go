package tsshard

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var idCounter = new(int64)

func getNewID() int64 {
	return atomic.AddInt64(idCounter, 1)
}

// Conn represents a connection from either node to the orchestrator or the other way around
// it implements common logic across both sides
type Conn struct {
	netConn net.Conn
	sendmu  sync.Mutex
	logger  Logger

	ID atomic.Value

	// called on incoming messages
	MessageHandler func(*Message)

	// called when the connection is closed
	ConnClosedHanlder func()
}

// ConnFromNetCon wraps a Conn around a net.Conn
func ConnFromNetCon(conn net.Conn, logger Logger) *Conn {
	c := &Conn{
		netConn: conn,
		logger:  logger,
	}

	c.ID.Store("unknown-" + strconv.FormatInt(getNewID(), 10))
	return c
}

// Listen starts listening for events on the connection, it returns when the connection is closed
func (c *Conn) Listen() {
	c.Log(LogDebug, nil, "starting listening for events on "+c.GetID())

	var err error
	defer func() {
		if err != nil && err != io.EOF {
			c.Log(LogError, err, "an error occured while handling a connection")
		}

		c.netConn.Close()

		if c.ConnClosedHanlder != nil {
			c.ConnClosedHanlder()
		}
	}()

	idBuf := make([]byte, 4)
	lenBuf := make([]byte, 4)
	for {

		// Read the event id
		_, err = io.ReadFull(c.netConn, idBuf)
		if err != nil {
			return
		}

		// Read the body length
		_, err = io.ReadFull(c.netConn, lenBuf)
		if err != nil {
			err = errors.WithMessage(err, "read event length")
			return
		}

		id := EventType(binary.LittleEndian.Uint32(idBuf))
		l := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, int(l))
		if l > 0 {
			// Read the body, if there was one
			_, err = io.ReadFull(c.netConn, body)
			if err != nil {
				err = errors.WithMessage(err, "read body")
				return
			}
		}

		msg := &Message{
			EvtID: id,
		}

		decoded, decodeErr := DecodePayload(id, body)
		if decodeErr != nil {
			c.Log(LogError, decodeErr, "failed decoding payload for "+id.String()+", skipping it")
			continue
		}
		msg.DecodedBody = decoded

		c.MessageHandler(msg)
	}
}

// Send sends the specified message over the connection, marshaling the data using msgpack
// this locks the writer
func (c *Conn) Send(evtID EventType, data interface{}) error {
	encoded, err := EncodeMessage(evtID, data)
	if err != nil {
		return errors.WithMessage(err, "EncodeEvent")
	}

	return c.SendRaw(encoded)
}

// SendRaw sends an already encoded message, locking the writer
func (c *Conn) SendRaw(encoded []byte) error {
	c.sendmu.Lock()
	defer c.sendmu.Unlock()

	return c.SendNoLock(encoded)
}

// Same as Send but logs the error (usefull for launching send in new goroutines)
func (c *Conn) SendLogErr(evtID EventType, data interface{}) {
	err := c.Send(evtID, data)
	if err != nil {
		c.Log(LogError, err, "failed sending "+evtID.String()+" to "+c.GetID())
	}
}

// SendNoLock sends the specified message over the connection
// This does no locking and the caller is responsible for making sure its not called in multiple goroutines at the same time
func (c *Conn) SendNoLock(data []byte) error {
	_, err := c.netConn.Write(data)
	return errors.WithMessage(err, "netConn.Write")
}

// Close closes the underlying connection, Listen will return shortly after
func (c *Conn) Close() error {
	return c.netConn.Close()
}

func (c *Conn) GetID() string {
	return c.ID.Load().(string)
}

// Log logs through the logger the conn was created with
func (c *Conn) Log(level LogLevel, err error, msg string) {
	LogErr(c.logger, level, err, msg)
}
