package imu

import (
	"fmt"
	"time"

	"boussoled/internal/i2c"
)

var sleep = time.Sleep

// ICM-20948 accel/gyro over I2C. Only the registers needed for attitude
// are touched; the AK09916 magnetometer behind the aux bus is left off.

const (
	DefaultAddr = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regIntEnable  = 0x10
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	clkAuto       = 0x01
	regAccelXoutH = 0x2D // accel xyz then gyro xyz, big endian

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro250dps = 0x00
	fsAccel4g    = 0x02

	baseRateHz = 1125
)

// Reading is one raw accel/gyro sample in sensor axes.
type Reading struct {
	// Accel in g.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type icm20948 struct {
	io      regIO
	curBank byte

	scaleAccel float64
	scaleGyro  float64
}

func openICM20948(dev *i2c.Dev, rateHz int) (*icm20948, error) {
	if dev == nil {
		return nil, fmt.Errorf("imu: i2c dev is nil")
	}
	return newICM20948(dev, rateHz)
}

func newICM20948(io regIO, rateHz int) (*icm20948, error) {
	if io == nil {
		return nil, fmt.Errorf("imu: register io is nil")
	}
	d := &icm20948{io: io, curBank: 0xFF}

	who, err := d.io.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("imu: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("imu: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(rateHz); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *icm20948) init(rateHz int) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.io.WriteReg(regIntEnable, 0x00)

	if err := d.io.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("imu: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset puts the bank register back to 0.
	d.curBank = 0

	if err := d.io.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("imu: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := sampleDivider(rateHz)
	_ = d.io.WriteReg(regGyroSmplrt, div)
	_ = d.io.WriteReg(regAccelSmplrt2, div)
	if err := d.io.WriteReg(regGyroConfig, fsGyro250dps); err != nil {
		return fmt.Errorf("imu: gyro config failed: %w", err)
	}
	if err := d.io.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("imu: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0
	d.scaleGyro = 250.0 / 32768.0
	return nil
}

// sampleDivider maps an output rate onto the 1125 Hz base clock:
// rate = 1125/(div+1).
func sampleDivider(rateHz int) byte {
	if rateHz <= 0 {
		rateHz = 50
	}
	div := baseRateHz/rateHz - 1
	return byte(min(max(div, 0), 255))
}

func (d *icm20948) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.io.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("imu: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *icm20948) Read() (Reading, error) {
	if err := d.setBank(0); err != nil {
		return Reading{}, err
	}
	var buf [12]byte
	if err := d.io.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Reading{}, fmt.Errorf("imu: read sensors failed: %w", err)
	}
	word := func(i int) float64 { return float64(int16(uint16(buf[i])<<8 | uint16(buf[i+1]))) }
	return Reading{
		Ax: word(0) * d.scaleAccel,
		Ay: word(2) * d.scaleAccel,
		Az: word(4) * d.scaleAccel,
		Gx: word(6) * d.scaleGyro,
		Gy: word(8) * d.scaleGyro,
		Gz: word(10) * d.scaleGyro,
	}, nil
}
