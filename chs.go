package blockif

// maxCHSSectors is the largest capacity CHS addressing can describe
const maxCHSSectors = 65535 * 16 * 255

// deriveCHS computes the legacy cylinder/head/sector geometry for a disk of
// size bytes, following the ATA translation used by BIOS era guests.
func deriveCHS(size int64, sectorSize int) (cylinders uint16, heads, sectorsPerTrack uint8) {
	sectors := size / int64(sectorSize)
	if sectors > maxCHSSectors {
		sectors = maxCHSSectors
	}

	var secpt, hd, hcyl int64
	if sectors >= 65536*16*63 {
		secpt = 255
		hd = 16
		hcyl = sectors / secpt
	} else {
		secpt = 17
		hcyl = sectors / secpt
		hd = (hcyl + 1023) / 1024
		if hd < 4 {
			hd = 4
		}

		if hcyl >= hd*1024 || hd > 16 {
			secpt = 31
			hd = 16
			hcyl = sectors / secpt
		}
		if hcyl >= hd*1024 {
			secpt = 63
			hd = 16
			hcyl = sectors / secpt
		}
	}

	return uint16(hcyl / hd), uint8(hd), uint8(secpt)
}
