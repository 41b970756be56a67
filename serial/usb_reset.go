package serial

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// ResetUSBDevice performs a USB-level reset of the adapter behind portPath
// and waits for the port to re-enumerate or ctx to end.
//
// Requires the usbreset utility (usbutils) and permission to open the USB
// device node, typically root. The port path may change after the reset
// unless a stable /dev/serial/by-id path is used.
func ResetUSBDevice(ctx context.Context, portPath string) error {
	info, err := GetPortInfo(portPath)
	if err != nil {
		return fmt.Errorf("failed to get port info: %w", err)
	}

	if info.BusNumber == "" || info.DeviceNumber == "" {
		return ErrUSBInfoNotAvailable
	}

	if !IsUSBResetAvailable() {
		return ErrUSBResetNotAvailable
	}

	usbPath, err := usbDevicePath(info.BusNumber, info.DeviceNumber)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "usbreset", usbPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("usbreset failed: %w (output: %s)", err, string(output))
	}

	return WaitForDevice(ctx, portPath, DefaultPollInterval)
}

// ResetUSBDeviceBySerial resets the USB serial adapter with the given serial number
func ResetUSBDeviceBySerial(ctx context.Context, serialNumber string) error {
	ports, err := DetailedPorts()
	if err != nil {
		return err
	}

	for _, p := range ports {
		if p.SerialNumber == serialNumber {
			return ResetUSBDevice(ctx, p.Path)
		}
	}

	return fmt.Errorf("device with serial %s not found", serialNumber)
}

// IsUSBResetAvailable checks if usbreset utility is available in PATH
func IsUSBResetAvailable() bool {
	_, err := exec.LookPath("usbreset")
	return err == nil
}

// usbDevicePath formats sysfs bus and device numbers as usbreset expects (BBB/DDD)
func usbDevicePath(bus, device string) (string, error) {
	b, err := strconv.Atoi(bus)
	if err != nil {
		return "", fmt.Errorf("invalid bus number %q: %w", bus, ErrUSBInfoNotAvailable)
	}
	d, err := strconv.Atoi(device)
	if err != nil {
		return "", fmt.Errorf("invalid device number %q: %w", device, ErrUSBInfoNotAvailable)
	}
	return fmt.Sprintf("%03d/%03d", b, d), nil
}
