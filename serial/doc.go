// Package serial manages the serial line to a USB-attached radio.
//
// It opens the device in raw mode on Linux using termios ioctls, keeps the
// line from dropping DTR on close, and detects when the device node comes
// and goes.
//
// # Basic Usage
//
// Open a serial port with default configuration (115200 8N1, exclusive):
//
//	port, err := serial.Open("/dev/ttyUSB0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	if err := port.DisableHangupOnClose(); err != nil {
//	    log.Printf("device may reboot on close: %v", err)
//	}
//
// # Hangup On Close
//
// With HUPCL set the kernel lowers DTR when the last handle closes. Many
// ESP32 and nRF52 boards wire DTR to their reset line, so a bridge that
// reconnects would reboot the radio each time. Open leaves the bit as it
// found it; DisableHangupOnClose clears it and must be called after every
// open, including reopen after an unplug.
//
// # Device Presence
//
// WaitForDevice blocks until the device node exists, combining an inotify
// watch on the parent directory with a short poll:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	err := serial.WaitForDevice(ctx, "/dev/ttyUSB0", serial.DefaultPollInterval)
//
// Read returns ErrDeviceRemoved once the node disappears.
//
// # Port Discovery
//
//	ports, err := serial.DetailedPorts()
//	for _, p := range ports {
//	    fmt.Printf("%s: %s (VID=%s PID=%s Serial=%s)\n",
//	        p.Path, p.Description, p.VendorID, p.ProductID, p.SerialNumber)
//	}
//
// # Error Handling
//
// Use errors.Is() for error type checking:
//
//	if errors.Is(err, serial.ErrDeviceNotFound) {
//	    // wait for the device
//	}
//
// # Default Configuration
//
//   - BaudRate: 115200
//   - DataBits: 8
//   - StopBits: 1
//   - Parity: None
//   - ReadTimeout: 500ms
//   - Exclusive: true
package serial
