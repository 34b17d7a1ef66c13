// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"bytes"
	"io"
	"unsafe"
)

type Serialize interface {
	WriteData(buffer []byte, len int) error
	Close() error
}

type Deserialize interface {
	ReadData(buffer []byte, len int) error
	Close() error
}

func Write[T any](value T, serial Serialize) error {
	cnt := int(unsafe.Sizeof(value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&value)), cnt)
	return serial.WriteData(buf, cnt)
}

func WriteString(s string, serial Serialize) error {
	err := Write[uint32](uint32(len(s)), serial)
	if err != nil {
		return err
	}
	if len(s) > 0 {
		return serial.WriteData(UnsafeStringToBytes(s), len(s))
	}
	return nil
}

func WriteBytes(data []byte, serial Serialize) error {
	err := Write[uint32](uint32(len(data)), serial)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return serial.WriteData(data, len(data))
	}
	return nil
}

func Read[T any](value *T, deserial Deserialize) error {
	cnt := int(unsafe.Sizeof(*value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(value)), cnt)
	return deserial.ReadData(buf, cnt)
}

func ReadString(deserial Deserialize) (string, error) {
	data, err := ReadBytes(deserial)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func ReadBytes(deserial Deserialize) ([]byte, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if l > 0 {
		err = deserial.ReadData(buf, int(l))
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

var _ Serialize = new(BufferSerialize)

// BufferSerialize collects serialized data in memory.
type BufferSerialize struct {
	buf bytes.Buffer
}

func NewBufferSerialize(sizeHint int) *BufferSerialize {
	ret := &BufferSerialize{}
	ret.buf.Grow(sizeHint)
	return ret
}

func (serial *BufferSerialize) WriteData(buffer []byte, len int) error {
	_, err := serial.buf.Write(buffer[:len])
	return err
}

func (serial *BufferSerialize) Bytes() []byte {
	return serial.buf.Bytes()
}

func (serial *BufferSerialize) Len() int {
	return serial.buf.Len()
}

func (serial *BufferSerialize) Close() error {
	return nil
}

var _ Deserialize = new(BufferDeserialize)

type BufferDeserialize struct {
	reader *bytes.Reader
}

func NewBufferDeserialize(data []byte) *BufferDeserialize {
	return &BufferDeserialize{reader: bytes.NewReader(data)}
}

func (deserial *BufferDeserialize) ReadData(buffer []byte, len int) error {
	_, err := io.ReadFull(deserial.reader, buffer[:len])
	return err
}

func (deserial *BufferDeserialize) Remaining() int {
	return deserial.reader.Len()
}

func (deserial *BufferDeserialize) Close() error {
	return nil
}
