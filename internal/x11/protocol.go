package x11

import "encoding/binary"

// Core protocol constants the design names explicitly.
const (
	RootWindow   = 0x00000100
	TrueColorVis = 0x00000021
	ScreenWidth  = 640
	ScreenHeight = 360
	ScreenDepth  = 24
	Vendor       = "ReduxOS"
)

// Core opcodes this server dispatches on.
const (
	opCreateWindow           = 1
	opChangeWindowAttributes = 2
	opGetWindowAttributes    = 3
	opDestroyWindow          = 4
	opReparentWindow         = 7
	opMapWindow              = 8
	opUnmapWindow            = 10
	opConfigureWindow        = 12
	opInternAtom             = 16
	opGetAtomName            = 17
	opChangeProperty         = 18
	opDeleteProperty         = 19
	opGetProperty            = 20
	opListProperties         = 21
	opSetSelectionOwner      = 22
	opGetSelectionOwner      = 23
	opConvertSelection       = 24
	opSendEvent              = 25
	opGrabPointer            = 26
	opUngrabPointer          = 27
	opGrabButton             = 28
	opUngrabButton           = 29
	opGrabKeyboard           = 31
	opUngrabKeyboard         = 32
	opAllowEvents            = 35
	opGrabServer             = 36
	opUngrabServer           = 37
	opQueryPointer           = 38
	opWarpPointer            = 41
	opSetInputFocus          = 42
	opGetInputFocus          = 43
	opQueryKeymap            = 44
	opOpenFont               = 45
	opListFonts              = 49
	opGetFontPath            = 52
	opCreatePixmap           = 53
	opFreePixmap             = 54
	opCreateGC               = 55
	opChangeGC               = 56
	opCopyGC                 = 57
	opFreeGC                 = 60
	opClearArea              = 61
	opCopyArea               = 62
	opCopyPlane              = 63
	opPolyPoint              = 64
	opPolyLine               = 65
	opPolySegment            = 66
	opPolyRectangle          = 67
	opPolyArc                = 68
	opFillPoly               = 69
	opPolyFillRectangle      = 70
	opPolyFillArc            = 71
	opPutImage               = 72
	opGetImage               = 73
	opImageText8             = 76
	opImageText16            = 77
	opGetGeometry            = 14
	opQueryTree              = 15
	opListInstalledColormaps = 83
	opAllocColor             = 84
	opQueryColors            = 91
	opLookupColor            = 92
	opQueryFont              = 47
	opQueryTextExtents       = 48
	opGetKeyboardMapping     = 101
	opGetKeyboardControl     = 103
	opBell                   = 104
	opGetPointerMapping      = 117
	opGetModifierMapping     = 119
	opNoOperation            = 127
	opQueryExtension         = 98
)

// Extension major opcodes, assigned by this server's QueryExtension
// replies — see knownExtensions in misc.go.
const (
	extMajorMitShm      = 128
	extMajorBigRequests = 129
)

func getU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func getU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func padTo4(n int) int { return (n + 3) &^ 3 }
