// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bkey

// Opaque carries the bytes of a bkey value this module does not
// interpret (extent, reflink, subvolume, inode, dirent, xattr,
// snapshot, …; spec.md §3: "plus opaque extent, reflink, subvolume,
// etc., carried transparently"). The core stores and moves these
// bytes faithfully without decoding them; higher filesystem layers
// (out of scope per spec.md §1) own the schema.
type Opaque struct {
	Dat []byte
}

func (o Opaque) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), o.Dat...), nil
}

func (o *Opaque) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = append([]byte(nil), dat...)
	return len(dat), nil
}
