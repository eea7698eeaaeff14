package imu

import (
	"errors"
	"testing"
	"time"
)

type fakeRegs struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeRegs) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeRegs) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeRegs) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func (f *fakeRegs) wrote(reg, val byte) bool {
	for _, w := range f.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func TestNewICM20948_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeRegs{regs: map[byte][]byte{regWhoAmI: {0x71}}}
	if _, err := newICM20948(f, 50); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewICM20948_WhoAmIReadError(t *testing.T) {
	noSleep(t)
	f := &fakeRegs{readErrFor: map[byte]error{regWhoAmI: errors.New("nack")}}
	if _, err := newICM20948(f, 50); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewICM20948_InitRegisters(t *testing.T) {
	noSleep(t)
	f := &fakeRegs{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	if _, err := newICM20948(f, 20); err != nil {
		t.Fatalf("newICM20948: %v", err)
	}
	if !f.wrote(regPwrMgmt1, bitReset) {
		t.Fatalf("expected reset write to PWR_MGMT_1")
	}
	if !f.wrote(regPwrMgmt1, clkAuto) {
		t.Fatalf("expected wake write to PWR_MGMT_1")
	}
	if !f.wrote(regBankSel, bank2<<4) {
		t.Fatalf("expected bank2 select write")
	}
	// 1125/20 - 1 = 55.
	if !f.wrote(regGyroSmplrt, 55) || !f.wrote(regAccelSmplrt2, 55) {
		t.Fatalf("expected sample rate divider 55, writes=%v", f.writes)
	}
	if !f.wrote(regAccelConfig, fsAccel4g) || !f.wrote(regGyroConfig, fsGyro250dps) {
		t.Fatalf("expected full-scale config writes")
	}
	if last := f.writes[len(f.writes)-1]; last.reg != regBankSel || last.val != 0 {
		t.Fatalf("last write=%+v want bank 0 select", last)
	}
}

func TestSampleDivider(t *testing.T) {
	cases := map[int]byte{50: 21, 0: 21, 2000: 0, 1: 255, 100: 10}
	for rate, want := range cases {
		if got := sampleDivider(rate); got != want {
			t.Fatalf("sampleDivider(%d)=%d want %d", rate, got, want)
		}
	}
}

func TestICM20948Read_Scales(t *testing.T) {
	noSleep(t)
	// 16384 counts is 2 g at 4 g full scale and 125 dps at 250 dps.
	f := &fakeRegs{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00,
		0x00, 0x00,
		0xC0, 0x00,
		0x40, 0x00,
		0x00, 0x00,
		0xC0, 0x00,
	}
	d, err := newICM20948(f, 50)
	if err != nil {
		t.Fatalf("newICM20948: %v", err)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.Ax < 1.99 || r.Ax > 2.01 {
		t.Fatalf("Ax=%v want ~2", r.Ax)
	}
	if r.Az > -1.99 || r.Az < -2.01 {
		t.Fatalf("Az=%v want ~-2", r.Az)
	}
	if r.Gx < 124.9 || r.Gx > 125.1 {
		t.Fatalf("Gx=%v want ~125", r.Gx)
	}
	if r.Gz > -124.9 || r.Gz < -125.1 {
		t.Fatalf("Gz=%v want ~-125", r.Gz)
	}
}

func TestICM20948Read_Error(t *testing.T) {
	noSleep(t)
	f := &fakeRegs{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	d, err := newICM20948(f, 50)
	if err != nil {
		t.Fatalf("newICM20948: %v", err)
	}
	if _, err := d.Read(); err == nil {
		t.Fatalf("expected short read error")
	}
}
