// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
)

// DefaultListen is the listen address of the broker
const DefaultListen = ":8883"

// TopicPrefix is the root of all device topics
const TopicPrefix = "devices/"

// Broker is a MQTT broker for devices with issued certificates
type Broker struct {
	p      *plugin
	ln     net.Listener
	server interface {
		Run()
		Stop(context.Context) error
	}
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Devices tells whether a certificate's device is still registered. This is mandatory.
	Devices iot.DeviceLookup
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory
	CACertFile string
	// CertFile is the file path to the X.509 certificate of the broker. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key of the broker. This is mandatory.
	KeyFile string
	// Listen is the listen address, DefaultListen if empty
	Listen string
}

// plugin is the plugin for GMQTT
type plugin struct {
	devices iot.DeviceLookup

	devicesRwmux sync.RWMutex
	connDevices  map[net.Conn]string

	service gmqtt.Server
}

// NewBroker returns a new broker listening on the TLS port. The broker will
// not accept connections until Start is called.
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.Devices == nil {
		panic("Devices is missing")
	}
	if bb.CACertFile == "" || bb.CertFile == "" || bb.KeyFile == "" {
		return nil, errors.New("mqtt: ca certificate, certificate and key file are required")
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: cannot load broker certificate: %w", err)
	}
	caCert, err := os.ReadFile(bb.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: cannot read ca certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("mqtt: no certificate found in %s", bb.CACertFile)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	listen := bb.Listen
	if listen == "" {
		listen = DefaultListen
	}
	ln, err := tls.Listen("tcp", listen, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}

	return &Broker{
		ln: ln,
		p: &plugin{
			devices:     bb.Devices,
			connDevices: make(map[net.Conn]string),
		},
	}, nil
}

// Addr returns the listen address
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Start runs the server in the background
func (b *Broker) Start() {
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	b.server.Run()
	logger.Default().Infof("mqtt broker listening on %s", b.ln.Addr())
}

// Stop shuts the server down
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return b.ln.Close()
	}
	err := b.server.Stop(ctx)
	logger.Default().Infoln("mqtt broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	if b.p.service == nil {
		logger.Default().Warnf("mqtt broker not running, dropping message on %s", topic)
		return
	}
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// CredentialsTopic is the topic on which a device learns about its credential lifecycle
func CredentialsTopic(device string) string {
	return TopicPrefix + device + "/credentials"
}

// Notify implements iot.Notifier. Events are published to the device's credentials topic.
func (b *Broker) Notify(ctx context.Context, event iot.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	b.PublishMessageQ1(CredentialsTopic(event.Device), payload)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "devicecerts broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) deviceFromConnection(conn net.Conn) string {
	p.devicesRwmux.RLock()
	defer p.devicesRwmux.RUnlock()
	return p.connDevices[conn]
}

// authorize checks the common name of a verified client certificate
func (p *plugin) authorize(ctx context.Context, commonName string) error {
	if err := issuance.ValidateIdentifier(commonName); err != nil {
		return err
	}
	exists, err := p.devices.DeviceExists(ctx, commonName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("device %s is not registered", commonName)
	}
	return nil
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		log := logger.FromContext(ctx)
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			log.WithError(err).Debugln("mqtt handshake failed")
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		commonName := state.VerifiedChains[0][0].Subject.CommonName
		if err := p.authorize(ctx, commonName); err != nil {
			log.WithError(err).Warnf("mqtt accept denied for %q", commonName)
			return false
		}

		p.devicesRwmux.Lock()
		p.connDevices[conn] = commonName
		p.devicesRwmux.Unlock()
		log.Debugln("mqtt accept", commonName)
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		device := p.deviceFromConnection(client.Connection())
		clientID := client.OptionsReader().ClientID()
		if device == "" || clientID != device {
			logger.FromContext(ctx).Warnf("mqtt connect denied, client id %q does not match certificate %q", clientID, device)
			return packets.CodeNotAuthorized
		}
		logger.FromContext(ctx).Infoln("mqtt connect", device)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper drops messages outside of the device's own topics
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		device := client.OptionsReader().ClientID()
		if !publishAllowed(device, msg.Topic()) {
			logger.FromContext(ctx).Warnf("mqtt publish of %s on %s denied", device, msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		device := client.OptionsReader().ClientID()
		if !subscribeAllowed(device, topic.Name) {
			logger.FromContext(ctx).Warnf("mqtt subscribe of %s to %s denied", device, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.FromContext(ctx).Debugln("mqtt subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnCloseWrapper forgets the connection
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.devicesRwmux.Lock()
		delete(p.connDevices, client.Connection())
		p.devicesRwmux.Unlock()
		closed(ctx, client, err)
	}
}

// deviceTopic reports whether topic lies below the device's own prefix
func deviceTopic(device, topic string) bool {
	if device == "" {
		return false
	}
	own := TopicPrefix + device + "/"
	return strings.HasPrefix(topic, own) && len(topic) > len(own)
}

// subscribeAllowed permits filters below devices/{device}/, wildcards included
func subscribeAllowed(device, filter string) bool {
	return deviceTopic(device, filter)
}

// publishAllowed permits topics below devices/{device}/ except the server owned
// credentials topic. Wildcards are invalid in topic names.
func publishAllowed(device, topic string) bool {
	if strings.ContainsAny(topic, "+#") {
		return false
	}
	return deviceTopic(device, topic) && topic != CredentialsTopic(device)
}
