// Command ibeacon-scan reads HCI traffic, decodes iBeacon advertisements and
// publishes them to the message bus, or prints them as JSON lines when no
// broker is given.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/bus"
	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	source       = pflag.String("source", advertmux.KindHCIDump, "Advertisement source: hcidump, serial, file or pcap")
	sourcePath   = pflag.String("source-path", "", "Serial device, dump file or pcap file for the source")
	hciDevice    = pflag.String("hci-device", "hci0", "Bluetooth adapter for hcidump")
	lescan       = pflag.Bool("lescan", false, "Run hcitool lescan alongside hcidump")
	baud         = pflag.Int("baud", advertmux.DefaultBaudRate, "Serial baud rate")
	mqttBroker   = pflag.String("mqtt", "", "MQTT broker, e.g. tcp://localhost:1883; empty prints JSON lines")
	topic        = pflag.String("topic", bus.DefaultTopic, "MQTT topic")
	clientID     = pflag.String("client-id", "", "MQTT client id (default ibeacon-scan-<host>)")
	codecName    = pflag.String("codec", "json", "Bus payload codec: json or cbor")
	record       = pflag.String("record", "", "Record every HCI packet to this pcap file")
	legacySigned = pflag.Bool("legacy-signed-bytes", false, "Decode signed bytes by subtracting 256")
	verbose      = pflag.BoolP("verbose", "v", false, "Log ignored packets")
	showVersion  = pflag.Bool("version", false, "Print version and exit")
)

// publisher accepts decoded advertisements.
type publisher interface {
	Publish(ibeacon.Advertisement) error
}

// lineWriter prints each advertisement as one JSON object per line.
type lineWriter struct {
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (l *lineWriter) Publish(adv ibeacon.Advertisement) error {
	return l.enc.Encode(adv.Message())
}

// scan monitors m and hands every advertisement to pub until the source ends
// or ctx is done. Reaching the end of a file or capture is not an error.
func scan(ctx context.Context, m advertmux.AdvertMuxInterface, pub publisher) error {
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	errc := make(chan error, 1)
	go func() { errc <- m.Monitor(ctx) }()

	send := func(adv ibeacon.Advertisement) {
		if err := pub.Publish(adv); err != nil {
			monitoring.Logf("dropping advertisement: %v", err)
		}
	}

	for {
		select {
		case adv, ok := <-ch:
			if !ok {
				return finished(<-errc)
			}
			send(adv)
		case err := <-errc:
			// deliver what Monitor published before it returned
			for {
				select {
				case adv, ok := <-ch:
					if !ok {
						return finished(err)
					}
					send(adv)
				default:
					return finished(err)
				}
			}
		}
	}
}

func finished(err error) error {
	if errors.Is(err, advertmux.ErrSourceClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openRecorder creates the pcap file at path.
func openRecorder(path string) (*ibeacon.CaptureWriter, io.Closer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capture: %w", err)
	}
	w, err := ibeacon.NewCaptureWriter(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f, nil
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "ibeacon-scan-" + host
}

func main() {
	pflag.Parse()
	if *showVersion {
		fmt.Println(version.String("ibeacon-scan"))
		return
	}
	monitoring.SetVerbose(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	muxOpts := []advertmux.Option{advertmux.WithDecoder(ibeacon.NewDecoder(*legacySigned))}
	if *record != "" {
		w, f, err := openRecorder(*record)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer f.Close()
		muxOpts = append(muxOpts, advertmux.WithCapture(w))
	}

	m, err := advertmux.Open(ctx, advertmux.SourceConfig{
		Kind:   *source,
		Device: *hciDevice,
		Path:   *sourcePath,
		Serial: advertmux.PortOptions{BaudRate: *baud},
		LEScan: *lescan,
	}, muxOpts...)
	if err != nil {
		log.Fatalf("Failed to open advertisement source: %v", err)
	}
	defer m.Close()

	var pub publisher = newLineWriter(os.Stdout)
	if *mqttBroker != "" {
		codec, err := ibeacon.CodecByName(*codecName)
		if err != nil {
			log.Fatalf("%v", err)
		}
		id := *clientID
		if id == "" {
			id = defaultClientID()
		}
		client, err := bus.Connect(ctx, bus.Config{Broker: *mqttBroker, Topic: *topic, ClientID: id})
		if err != nil {
			log.Fatalf("Failed to connect to message bus: %v", err)
		}
		defer client.Disconnect(250)
		p := bus.NewPublisher(client, *topic, codec)
		pub = p
		defer func() {
			st := p.Stats()
			log.Printf("published %d advertisements, %d failed", st.Published, st.Failed)
		}()
	}

	if err := scan(ctx, m, pub); err != nil {
		log.Printf("scan stopped: %v", err)
	}
	st := m.Stats()
	log.Printf("read %d lines, %d packets, %d advertisements (%d dropped)", st.Lines, st.Packets, st.Adverts, st.Dropped)
}
