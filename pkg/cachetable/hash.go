// Copyright 2022 Kestrel DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cachetable

import "math/bits"

// The final mixing step of Jenkins' lookup3. It mixes the bits well
// enough that a bitmask over a power-of-two table works in place of a
// modulo by a prime.
func finalMix(a, b, c uint32) uint32 {
	c ^= b
	c -= bits.RotateLeft32(b, 14)
	a ^= c
	a -= bits.RotateLeft32(c, 11)
	b ^= a
	b -= bits.RotateLeft32(a, 25)
	c ^= b
	c -= bits.RotateLeft32(b, 16)
	a ^= c
	a -= bits.RotateLeft32(c, 4)
	b ^= a
	b -= bits.RotateLeft32(a, 14)
	c ^= b
	c -= bits.RotateLeft32(b, 24)
	return c
}

// Hash returns the 32-bit full hash of a pair identity, suitable for
// bitmasking into a power-of-two bucket table.
func Hash(cf *CacheFile, key Key) uint32 {
	return finalMix(uint32(cf.filenum), uint32(uint64(key)>>32), uint32(uint64(key)))
}
