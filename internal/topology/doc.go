// Package topology discovers the CPU cluster layout from sysfs and tracks CPU
// hotplug through kernel uevents.
package topology
