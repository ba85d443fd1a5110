package party

import (
	"fmt"
	"strconv"
	"strings"
)

// Role identifies a protocol participant. A run has one student, two
// shareholders, one aggregator and num_teachers teacher roles.
type Role string

const (
	// Student submits input batches and receives the aggregated labels.
	Student Role = "student"

	// ShareholderA and ShareholderB jointly hold every secret-shared tensor.
	ShareholderA Role = "shareholder-a"
	ShareholderB Role = "shareholder-b"

	// Aggregator reconstructs vote vectors and doubles as the crypto
	// provider dealing triples and revealing sign bits.
	Aggregator Role = "aggregator"
)

const teacherPrefix = "teacher-"

// TeacherRole returns the role of the i-th teacher.
func TeacherRole(i int) Role {
	return Role(fmt.Sprintf("%s%d", teacherPrefix, i))
}

// IsTeacher reports whether r is a teacher role.
func (r Role) IsTeacher() bool {
	return strings.HasPrefix(string(r), teacherPrefix)
}

// TeacherIndex returns the teacher index, or -1 when r is not a teacher.
func (r Role) TeacherIndex() int {
	if !r.IsTeacher() {
		return -1
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(string(r), teacherPrefix))
	if err != nil {
		return -1
	}
	return idx
}

func (r Role) String() string {
	return string(r)
}

// Shareholders returns the pair of shareholder roles in canonical order.
func Shareholders() []Role {
	return []Role{ShareholderA, ShareholderB}
}

// PeerShareholder returns the other member of the shareholder pair.
func PeerShareholder(r Role) Role {
	if r == ShareholderA {
		return ShareholderB
	}
	return ShareholderA
}
