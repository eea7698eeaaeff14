// Package gps reads the user position from a serial NMEA receiver or from
// gpsd and hands every valid fix to a callback.
//
// Only what a walking compass needs is decoded: RMC and GGA position and
// fix quality from NMEA, TPV and SKY reports from gpsd.
package gps
