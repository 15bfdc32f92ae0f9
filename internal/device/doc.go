// Package device defines the transport boundary the HRV session core talks to.
//
// The core treats the Bluetooth stack as an opaque asynchronous I/O channel:
//   - Adapter scans for advertising peripherals and dials them
//   - Link exposes characteristic discovery, notification enrollment,
//     descriptor writes and characteristic writes on one connection
//   - Capability mirrors the GATT characteristic property bits
//
// Concrete implementations live in sub-packages (see device/goble).
package device
