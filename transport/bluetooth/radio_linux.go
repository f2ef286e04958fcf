//go:build linux

package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ble "tinygo.org/x/bluetooth"
)

const sysfsControllers = "/sys/class/bluetooth"

func applyPlatformDefaults(opts *Options) {
	var native *tinygoRadio
	radio := func() *tinygoRadio {
		if native == nil {
			native = &tinygoRadio{adapter: ble.DefaultAdapter}
		}
		return native
	}

	if opts.Radio == nil {
		opts.Radio = radio()
	}
	if opts.ServeGATT == nil {
		opts.ServeGATT = radio().serveGATT
	}
	if opts.DialGATT == nil {
		opts.DialGATT = radio().dialGATT
	}
	if opts.ListenStream == nil {
		opts.ListenStream = listenRFCOMM
	}
	if opts.DialStream == nil {
		opts.DialStream = dialRFCOMM
	}
	if opts.Available == nil {
		opts.Available = hasController
	}
}

func hasController() bool {
	entries, err := os.ReadDir(sysfsControllers)
	return err == nil && len(entries) > 0
}

// tinygoRadio drives the BlueZ controller through tinygo.org/x/bluetooth.
type tinygoRadio struct {
	adapter *ble.Adapter

	mu  sync.Mutex
	adv *ble.Advertisement

	gattOnce sync.Once
	gatt     *gattService
	gattErr  error
}

func (r *tinygoRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *tinygoRadio) Scan(ctx context.Context, onResult func(ScanResult)) error {
	service, err := ble.ParseUUID(ServiceUUID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		_ = r.adapter.StopScan()
	})
	defer stop()

	return r.adapter.Scan(func(_ *ble.Adapter, result ble.ScanResult) {
		onResult(ScanResult{
			Address:    result.Address.String(),
			Name:       result.LocalName(),
			HasService: result.HasServiceUUID(service),
		})
	})
}

func (r *tinygoRadio) Advertise(adv Advertisement) error {
	options := ble.AdvertisementOptions{LocalName: adv.LocalName}
	if adv.ServiceUUID != "" {
		uuid, err := ble.ParseUUID(adv.ServiceUUID)
		if err != nil {
			return err
		}
		options.ServiceUUIDs = []ble.UUID{uuid}
	}

	advertisement := r.adapter.DefaultAdvertisement()
	if err := advertisement.Configure(options); err != nil {
		return err
	}
	if err := advertisement.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.adv = advertisement
	r.mu.Unlock()
	return nil
}

func (r *tinygoRadio) StopAdvertising() error {
	r.mu.Lock()
	advertisement := r.adv
	r.adv = nil
	r.mu.Unlock()

	if advertisement == nil {
		return nil
	}
	return advertisement.Stop()
}

// serveGATT registers the messages service on first use. BlueZ keeps the
// service for the life of the process, so later calls only swap the write
// handler.
func (r *tinygoRadio) serveGATT(onWrite func(central string, payload []byte)) (GATTServer, error) {
	r.gattOnce.Do(func() {
		r.gatt, r.gattErr = r.addMessagesService()
	})
	if r.gattErr != nil {
		return nil, r.gattErr
	}
	r.gatt.setHandler(onWrite)
	return r.gatt, nil
}

func (r *tinygoRadio) addMessagesService() (*gattService, error) {
	service, err := ble.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, err
	}
	messages, err := ble.ParseUUID(MessagesCharacteristicUUID)
	if err != nil {
		return nil, err
	}

	s := &gattService{}
	err = r.adapter.AddService(&ble.Service{
		UUID: service,
		Characteristics: []ble.CharacteristicConfig{{
			Handle: &s.char,
			UUID:   messages,
			Flags: ble.CharacteristicReadPermission |
				ble.CharacteristicWritePermission |
				ble.CharacteristicWriteWithoutResponsePermission |
				ble.CharacteristicNotifyPermission,
			WriteEvent: func(client ble.Connection, offset int, value []byte) {
				s.deliver(fmt.Sprintf("central-%v", client), value)
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("bluetooth: add gatt service: %w", err)
	}
	return s, nil
}

type gattService struct {
	char ble.Characteristic

	mu      sync.Mutex
	onWrite func(central string, payload []byte)
}

func (s *gattService) setHandler(onWrite func(central string, payload []byte)) {
	s.mu.Lock()
	s.onWrite = onWrite
	s.mu.Unlock()
}

func (s *gattService) deliver(central string, value []byte) {
	s.mu.Lock()
	onWrite := s.onWrite
	s.mu.Unlock()

	if onWrite == nil || len(value) == 0 {
		return
	}
	payload := make([]byte, len(value))
	copy(payload, value)
	onWrite(central, payload)
}

func (s *gattService) Notify(payload []byte) error {
	_, err := s.char.Write(payload)
	return err
}

func (s *gattService) Close() error {
	s.setHandler(nil)
	return nil
}

type gattClient struct {
	write      func(p []byte) (int, error)
	disconnect func() error
}

func (c *gattClient) Write(payload []byte) error {
	_, err := c.write(payload)
	return err
}

func (c *gattClient) Close() error {
	return c.disconnect()
}

func (r *tinygoRadio) dialGATT(ctx context.Context, address string, onNotify func(payload []byte)) (GATTClient, error) {
	mac, err := ble.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadAddress, address)
	}

	type result struct {
		client *gattClient
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := r.connectGATT(ble.Address{MACAddress: ble.MACAddress{MAC: mac}}, onNotify)
		done <- result{client: client, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return res.client, nil
	case <-ctx.Done():
		// The connect call cannot be interrupted; drop the link if it lands.
		go func() {
			if res := <-done; res.err == nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (r *tinygoRadio) connectGATT(address ble.Address, onNotify func(payload []byte)) (*gattClient, error) {
	service, err := ble.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, err
	}
	messages, err := ble.ParseUUID(MessagesCharacteristicUUID)
	if err != nil {
		return nil, err
	}

	device, err := r.adapter.Connect(address, ble.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("bluetooth: connect %s: %w", address.String(), err)
	}
	client := &gattClient{disconnect: device.Disconnect}

	services, err := device.DiscoverServices([]ble.UUID{service})
	if err == nil && len(services) == 0 {
		err = errors.New("messages service not found")
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bluetooth: discover services: %w", err)
	}

	chars, err := services[0].DiscoverCharacteristics([]ble.UUID{messages})
	if err == nil && len(chars) == 0 {
		err = errors.New("messages characteristic not found")
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bluetooth: discover characteristics: %w", err)
	}

	char := chars[0]
	err = char.EnableNotifications(func(value []byte) {
		if len(value) == 0 {
			return
		}
		payload := make([]byte, len(value))
		copy(payload, value)
		onNotify(payload)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bluetooth: enable notifications: %w", err)
	}
	client.write = char.WriteWithoutResponse
	return client, nil
}
