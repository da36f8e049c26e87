/*
Package ibeacon turns a raw HCI dump line stream into iBeacon advertisement
records.

Input is the text produced by `hcidump --raw`: an inbound HCI packet starts on
a line beginning with '>' and continues on indented lines of hex byte-pairs.

	> 04 3E 2A 02 01 00 00 BC 9A 78 56 34 12 1E 02 01 06 1A FF 4C
	  00 02 15 E2 C5 6D B5 DF FB 48 D2 B0 60 D0 F5 A7 10 96 E0 00
	  01 00 02 C5 B8

Processing is split in two stages that can be tested independently:

 1. Assembler groups lines into Packets (one start marker plus its
    continuation lines). It is a two-state machine owned by the caller, so any
    number of streams can be assembled side by side.
 2. Decode checks a Packet against the LE Advertising Report / iBeacon
    signature and extracts the fields listed in the field table. Packets that
    do not match are the common case and are dropped silently.

PACKET LAYOUT (offsets from the H4 packet type byte):

	0      04        HCI event packet
	1      3E        LE Meta event
	2      len-3     parameter length (2A for a plain iBeacon report)
	3      02        LE Advertising Report
	4      01        one report
	5-13   ..        event type, address type, address, data length
	14-15  02 01     flags AD structure
	16-20  ..        flags value, manufacturer AD header, company id
	21-22  02 15     iBeacon type and length
	23-38  UUID
	39-40  Major (big-endian)
	41-42  Minor (big-endian)
	43     calibrated power (signed)
	last   RSSI (signed)

Some vendor fobs append a service data structure (03 16 <subtype> <battery>)
after the iBeacon payload; Decode reports the battery byte when the subtype is
recognised.
*/
package ibeacon
